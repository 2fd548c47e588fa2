package runner

import (
	"context"
	"encoding/base64"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/restdeck/restdeck/internal/collection"
	"github.com/restdeck/restdeck/internal/errdef"
	"github.com/restdeck/restdeck/internal/httpclient"
	"github.com/restdeck/restdeck/internal/scripts"
	"github.com/restdeck/restdeck/internal/store"
	"github.com/restdeck/restdeck/internal/vars"
)

type State int

const (
	StateIdle State = iota
	StateResolvingScopes
	StateRunningPreScript
	StateInterpolating
	StateSending
	StateRunningTestScript
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingScopes:
		return "resolving-scopes"
	case StateRunningPreScript:
		return "running-pre-script"
	case StateInterpolating:
		return "interpolating"
	case StateSending:
		return "sending"
	case StateRunningTestScript:
		return "running-test-script"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// Sender is the external transport capability, the only collaborator a
// run requires.
type Sender interface {
	Send(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

type Options struct {
	Store   *store.Store
	Scripts *scripts.Runner
	Sender  Sender
	Logger  pslog.Base
}

// Orchestrator sequences scope resolution, script hooks, interpolation
// and persistence around a single send. It holds no per-run state;
// concurrent runs interleave freely on their own snapshots and race
// last-write-wins at the persist step.
type Orchestrator struct {
	store   *store.Store
	scripts *scripts.Runner
	sender  Sender
	logger  pslog.Base
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	scriptRunner := opts.Scripts
	if scriptRunner == nil {
		scriptRunner = scripts.NewRunner(scripts.Options{})
	}
	return &Orchestrator{
		store:   opts.Store,
		scripts: scriptRunner,
		sender:  opts.Sender,
		logger:  logger,
	}
}

// Result is everything a single run produced. Script and transport
// failures are carried inside, not as an error return; only store
// faults abort a run.
type Result struct {
	Transitions []State
	Request     *httpclient.Request
	Response    *httpclient.Response
	PreScript   *scripts.Result
	TestScript  *scripts.Result
	Tests       []scripts.TestResult
	SendError   string
	History     store.HistoryEntry
}

// Execute runs one request through the pipeline. locals are the
// run-scoped variables supplied by the caller.
func (o *Orchestrator) Execute(
	ctx context.Context,
	req *collection.Node,
	locals []vars.Variable,
) (*Result, error) {
	if req == nil || req.Kind != collection.KindRequest {
		return nil, errdef.New(errdef.CodeNotFound, "node is not a runnable request")
	}

	result := &Result{}
	enter := func(s State) {
		result.Transitions = append(result.Transitions, s)
	}

	enter(StateResolvingScopes)
	globals, err := o.store.Globals(ctx)
	if err != nil {
		return nil, err
	}
	activeEnv, err := o.store.ActiveEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	collectionVars, err := o.store.CollectionVariables(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}

	globalValues := vars.Values(globals)
	envValues := map[string]string{}
	if activeEnv != nil {
		envValues = vars.Values(activeEnv.Variables)
	}
	localValues := vars.Values(locals)

	if req.PreRequestScript != "" {
		enter(StateRunningPreScript)
		pre := o.scripts.RunPreRequest(req.PreRequestScript, scripts.Input{
			Request:     rawRequestView(req),
			Environment: envValues,
			Globals:     globalValues,
			Locals:      localValues,
			Context:     ctx,
		})
		result.PreScript = &pre
		// the pre-script's writes feed this same run's interpolation
		envValues = pre.Environment
		globalValues = pre.Globals
		for _, line := range pre.Logs {
			o.logger.Debug("pre-script", "line", line)
		}
	}

	enter(StateInterpolating)
	resolver := vars.NewResolver(
		vars.NewMapProvider(vars.ScopeLocal.String(), localValues),
		vars.NewMapProvider(vars.ScopeEnvironment.String(), envValues),
		vars.NewMapProvider(vars.ScopeCollection.String(), vars.Values(collectionVars)),
		vars.NewMapProvider(vars.ScopeGlobal.String(), globalValues),
	)
	wireReq := interpolateRequest(req, resolver)
	result.Request = wireReq

	enter(StateSending)
	response, sendErr := o.sender.Send(ctx, wireReq)
	result.Response = response
	if sendErr != nil {
		result.SendError = sendErr.Error()
		o.logger.Error("send failed", "method", wireReq.Method, "url", wireReq.URL, "err", sendErr)
	}

	if sendErr == nil && req.TestScript != "" {
		enter(StateRunningTestScript)
		test := o.scripts.RunTest(req.TestScript, scripts.Input{
			Request:     wireRequestView(wireReq),
			Response:    responseView(response),
			Environment: envValues,
			Globals:     globalValues,
			Locals:      localValues,
			Context:     ctx,
		})
		result.TestScript = &test
		result.Tests = test.Tests
		envValues = test.Environment
		globalValues = test.Globals
	}

	enter(StatePersisting)
	if activeEnv != nil {
		folded := foldScope(activeEnv.Variables, envValues)
		if err := o.store.ReplaceEnvironmentVariables(ctx, activeEnv.ID, folded); err != nil {
			return nil, err
		}
	}
	if err := o.store.ReplaceGlobals(ctx, foldScope(globals, globalValues)); err != nil {
		return nil, err
	}

	entry := store.HistoryEntry{
		Method:    wireReq.Method,
		URL:       wireReq.URL,
		Timestamp: time.Now().UTC(),
	}
	if response != nil {
		status := response.StatusCode
		entry.Status = &status
		entry.Duration = response.Time
	}
	if err := o.store.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}
	result.History = entry

	return result, nil
}

// foldScope applies the sandbox's final value map back onto a stored
// variable list. Enabled entries missing from the map were unset or
// cleared; keys the script introduced are appended enabled. Disabled
// entries stay untouched unless the script set the same key again.
func foldScope(existing []vars.Variable, final map[string]string) []vars.Variable {
	remaining := make(map[string]string, len(final))
	for k, v := range final {
		remaining[k] = v
	}

	var out []vars.Variable
	for _, v := range existing {
		value, touched := remaining[v.Key]
		if !v.Enabled {
			if touched {
				out = append(out, vars.Variable{Key: v.Key, Value: value, Enabled: true})
				delete(remaining, v.Key)
			} else {
				out = append(out, v)
			}
			continue
		}
		if !touched {
			continue
		}
		out = append(out, vars.Variable{Key: v.Key, Value: value, Enabled: true})
		delete(remaining, v.Key)
	}

	keys := make([]string, 0, len(remaining))
	for k := range remaining {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, vars.Variable{Key: k, Value: remaining[k], Enabled: true})
	}
	return out
}

func enabledParamMap(params []collection.Param) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		if !p.Enabled {
			continue
		}
		out[p.Key] = p.Value
	}
	return out
}

// rawRequestView is what a pre-request script sees: the request as
// authored, before interpolation.
func rawRequestView(req *collection.Node) *scripts.Request {
	return &scripts.Request{
		Method:  req.Method,
		URL:     req.URL,
		Headers: enabledParamMap(req.Headers),
		Body:    req.Body,
	}
}

func wireRequestView(req *httpclient.Request) *scripts.Request {
	return &scripts.Request{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    req.Body,
	}
}

func responseView(resp *httpclient.Response) *scripts.Response {
	return &scripts.Response{
		StatusCode: resp.StatusCode,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Time:       resp.Time,
		Size:       resp.Size,
	}
}

// interpolateRequest substitutes {{name}} in url, header values, param
// values and the body, then folds enabled params into the query string.
// Unresolved tokens stay verbatim.
func interpolateRequest(req *collection.Node, resolver *vars.Resolver) *httpclient.Request {
	expand := func(s string) string {
		out, _ := resolver.ExpandTemplates(s)
		return out
	}

	headers := make(map[string]string)
	for _, h := range req.Headers {
		if !h.Enabled {
			continue
		}
		headers[h.Key] = expand(h.Value)
	}

	target := expand(req.URL)
	query := url.Values{}
	for _, p := range req.Params {
		if !p.Enabled {
			continue
		}
		query.Add(p.Key, expand(p.Value))
	}
	applyAuth(req.Auth, headers, query, expand)
	if encoded := query.Encode(); encoded != "" {
		if strings.Contains(target, "?") {
			target += "&" + encoded
		} else {
			target += "?" + encoded
		}
	}

	return &httpclient.Request{
		Method:  strings.ToUpper(req.Method),
		URL:     target,
		Headers: headers,
		Body:    expand(req.Body),
	}
}

// applyAuth fills in the request's auth spec. An explicit Authorization
// header always wins over the spec.
func applyAuth(auth *collection.AuthSpec, headers map[string]string, query url.Values, expand func(string) string) {
	if auth == nil {
		return
	}
	switch strings.ToLower(auth.Type) {
	case "basic":
		if headers["Authorization"] != "" {
			return
		}
		user := expand(auth.Params["username"])
		pass := expand(auth.Params["password"])
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	case "bearer":
		if headers["Authorization"] != "" {
			return
		}
		headers["Authorization"] = "Bearer " + expand(auth.Params["token"])
	case "apikey", "api-key", "api_key":
		name := expand(auth.Params["name"])
		value := expand(auth.Params["value"])
		if strings.ToLower(auth.Params["placement"]) == "query" {
			query.Set(name, value)
			return
		}
		if name == "" {
			name = "X-API-Key"
		}
		if headers[name] == "" {
			headers[name] = value
		}
	}
}
