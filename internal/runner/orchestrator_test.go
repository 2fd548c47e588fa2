package runner

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/restdeck/restdeck/internal/collection"
	"github.com/restdeck/restdeck/internal/httpclient"
	"github.com/restdeck/restdeck/internal/store"
	"github.com/restdeck/restdeck/internal/vars"
)

type stubSender struct {
	lastRequest *httpclient.Request
	response    *httpclient.Response
	err         error
}

func (s *stubSender) Send(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	s.lastRequest = req
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	col := &collection.Node{
		ID: "col", Kind: collection.KindCollection, Name: "API",
		Variables: []vars.Variable{
			{Key: "base_url", Value: "http://example.com", Enabled: true},
		},
	}
	if err := s.SaveCollection(ctx, col); err != nil {
		t.Fatalf("save collection: %v", err)
	}
	if err := s.SaveEnvironment(ctx, store.Environment{
		ID: "dev", Name: "Dev",
		Variables: []vars.Variable{
			{Key: "base_url", Value: "http://localhost:3001", Enabled: true},
		},
	}); err != nil {
		t.Fatalf("save environment: %v", err)
	}
	if err := s.ActivateEnvironment(ctx, "dev"); err != nil {
		t.Fatalf("activate environment: %v", err)
	}
	return s
}

func userRequest() *collection.Node {
	return &collection.Node{
		ID: "req", ParentID: "col", CollectionID: "col",
		Kind: collection.KindRequest, Name: "List users",
		Method: "get", URL: "{{base_url}}/api/users",
	}
}

func okResponse() *httpclient.Response {
	return &httpclient.Response{
		StatusCode: 200,
		StatusText: "200 OK",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"users":[]}`,
		Time:       80 * time.Millisecond,
		Size:       12,
	}
}

func TestEnvironmentShadowsCollection(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	result, err := orch.Execute(ctx, userRequest(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Request.URL != "http://localhost:3001/api/users" {
		t.Fatalf("environment should shadow collection, got %q", result.Request.URL)
	}
	if result.Request.Method != "GET" {
		t.Fatalf("method should be upper-cased, got %q", result.Request.Method)
	}
}

func TestPreScriptWritesVisibleToSameRun(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	req := userRequest()
	req.PreRequestScript = `pm.environment.set('base_url', 'http://override');`

	result, err := orch.Execute(ctx, req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Request.URL != "http://override/api/users" {
		t.Fatalf("pre-script write must affect this run's interpolation, got %q", result.Request.URL)
	}
	if sender.lastRequest.URL != "http://override/api/users" {
		t.Fatalf("sender saw %q", sender.lastRequest.URL)
	}

	// and the mutation must have been folded back into the store
	env, err := s.ActiveEnvironment(ctx)
	if err != nil {
		t.Fatalf("active env: %v", err)
	}
	values := vars.Values(env.Variables)
	if values["base_url"] != "http://override" {
		t.Fatalf("environment mutation not persisted: %v", env.Variables)
	}
}

func TestTestScriptRunsAndMutationsPersist(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	req := userRequest()
	req.TestScript = `
pm.test("status is 200", function () {
  pm.expect(pm.response).to.have.status(200);
});
pm.globals.set('last_status', String(pm.response.code));`

	result, err := orch.Execute(ctx, req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Tests) != 1 || !result.Tests[0].Passed {
		t.Fatalf("expected one passing test, got %+v", result.Tests)
	}

	globals, err := s.Globals(ctx)
	if err != nil {
		t.Fatalf("globals: %v", err)
	}
	if got := vars.Values(globals)["last_status"]; got != "200" {
		t.Fatalf("test-script global not persisted, got %q", got)
	}
}

func TestTransportFailureShortCircuitsTests(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{err: errors.New("connection refused")}
	orch := New(Options{Store: s, Sender: sender})

	req := userRequest()
	req.TestScript = `pm.test("never runs", function () {});`

	result, err := orch.Execute(ctx, req, nil)
	if err != nil {
		t.Fatalf("transport failure must not abort the pipeline: %v", err)
	}
	if result.SendError == "" {
		t.Fatalf("expected captured send error")
	}
	if result.TestScript != nil || len(result.Tests) != 0 {
		t.Fatalf("test stage must be skipped on transport failure")
	}
	for _, state := range result.Transitions {
		if state == StateRunningTestScript {
			t.Fatalf("pipeline entered test stage: %v", result.Transitions)
		}
	}

	entries, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("failed run must still reach persisting")
	}
	if entries[0].Status != nil {
		t.Fatalf("synthesized error entry must carry no status, got %v", *entries[0].Status)
	}
}

func TestHistoryRecordsSuccessfulRun(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	if _, err := orch.Execute(ctx, userRequest(), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	entries, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one history entry")
	}
	entry := entries[0]
	if entry.Method != "GET" || entry.URL != "http://localhost:3001/api/users" {
		t.Fatalf("history entry wrong: %+v", entry)
	}
	if entry.Status == nil || *entry.Status != 200 {
		t.Fatalf("expected status 200, got %+v", entry.Status)
	}
}

func TestScriptFailureNeverAbortsPipeline(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	req := userRequest()
	req.PreRequestScript = `throw new Error("bad pre script");`
	req.TestScript = `syntax error here(`

	result, err := orch.Execute(ctx, req, nil)
	if err != nil {
		t.Fatalf("script faults must be captured, not raised: %v", err)
	}
	if result.PreScript == nil || len(result.PreScript.Logs) == 0 {
		t.Fatalf("expected pre-script execution error log")
	}
	if result.TestScript == nil || len(result.TestScript.Logs) == 0 {
		t.Fatalf("expected test-script execution error log")
	}
	if sender.lastRequest == nil {
		t.Fatalf("request must still be sent after pre-script failure")
	}
}

func TestLocalsShadowEnvironment(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	result, err := orch.Execute(ctx, userRequest(), []vars.Variable{
		{Key: "base_url", Value: "http://local-run", Enabled: true},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Request.URL != "http://local-run/api/users" {
		t.Fatalf("local scope must win, got %q", result.Request.URL)
	}
}

func TestDuplicateQueryParamsPreserved(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	req := userRequest()
	req.Params = []collection.Param{
		{Key: "tag", Value: "alpha", Enabled: true},
		{Key: "tag", Value: "beta", Enabled: true},
		{Key: "page", Value: "2", Enabled: true},
	}

	if _, err := orch.Execute(ctx, req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "http://localhost:3001/api/users?page=2&tag=alpha&tag=beta"
	if sender.lastRequest.URL != want {
		t.Fatalf("repeated params collapsed: %q, want %q", sender.lastRequest.URL, want)
	}
}

func TestAuthSpecApplied(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	sender := &stubSender{response: okResponse()}
	orch := New(Options{Store: s, Sender: sender})

	req := userRequest()
	req.Auth = &collection.AuthSpec{
		Type:   "bearer",
		Params: map[string]string{"token": "{{base_url}}-token"},
	}

	if _, err := orch.Execute(ctx, req, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "Bearer http://localhost:3001-token"
	if got := sender.lastRequest.Headers["Authorization"]; got != want {
		t.Fatalf("auth header %q, want %q", got, want)
	}
}

func TestApplyAuthPlacements(t *testing.T) {
	expand := func(s string) string { return s }

	headers := map[string]string{"Authorization": "Bearer keep-me"}
	applyAuth(&collection.AuthSpec{Type: "basic", Params: map[string]string{
		"username": "u", "password": "p",
	}}, headers, nil, expand)
	if headers["Authorization"] != "Bearer keep-me" {
		t.Fatalf("explicit Authorization header must win")
	}

	headers = map[string]string{}
	applyAuth(&collection.AuthSpec{Type: "basic", Params: map[string]string{
		"username": "admin", "password": "s3cret",
	}}, headers, nil, expand)
	if headers["Authorization"] != "Basic YWRtaW46czNjcmV0" {
		t.Fatalf("basic auth wrong: %q", headers["Authorization"])
	}

	headers = map[string]string{}
	query := url.Values{}
	applyAuth(&collection.AuthSpec{Type: "apikey", Params: map[string]string{
		"name": "api_key", "value": "k-9", "placement": "query",
	}}, headers, query, expand)
	if query.Get("api_key") != "k-9" || len(headers) != 0 {
		t.Fatalf("query placement wrong: %v %v", query, headers)
	}

	headers = map[string]string{}
	applyAuth(&collection.AuthSpec{Type: "api_key", Params: map[string]string{
		"value": "k-9",
	}}, headers, nil, expand)
	if headers["X-API-Key"] != "k-9" {
		t.Fatalf("default api key header wrong: %v", headers)
	}
}

func TestFoldScope(t *testing.T) {
	existing := []vars.Variable{
		{Key: "keep", Value: "1", Enabled: true},
		{Key: "drop", Value: "2", Enabled: true},
		{Key: "off", Value: "3", Enabled: false},
	}
	final := map[string]string{"keep": "1", "fresh": "4"}

	folded := foldScope(existing, final)
	values := map[string]vars.Variable{}
	for _, v := range folded {
		values[v.Key] = v
	}
	if len(folded) != 3 {
		t.Fatalf("expected keep/off/fresh, got %+v", folded)
	}
	if _, ok := values["drop"]; ok {
		t.Fatalf("unset key survived fold: %+v", folded)
	}
	if v := values["off"]; v.Enabled || v.Value != "3" {
		t.Fatalf("disabled entry must stay untouched: %+v", v)
	}
	if v := values["fresh"]; !v.Enabled || v.Value != "4" {
		t.Fatalf("new key must be appended enabled: %+v", v)
	}
}
