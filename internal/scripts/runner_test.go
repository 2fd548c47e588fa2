package scripts

import (
	"strings"
	"testing"
	"time"
)

func TestSandboxPurity(t *testing.T) {
	runner := NewRunner(Options{})
	env := map[string]string{"seed": "1"}
	globals := map[string]string{"g": "x"}

	result := runner.RunPreRequest(
		`pm.environment.set('x', '1'); pm.globals.set('g', 'y');`,
		Input{Environment: env, Globals: globals},
	)

	if env["x"] != "" || globals["g"] != "x" {
		t.Fatalf("caller scopes were mutated: env=%v globals=%v", env, globals)
	}
	if result.Environment["x"] != "1" {
		t.Fatalf("expected returned environment to contain x=1, got %v", result.Environment)
	}
	if result.Environment["seed"] != "1" {
		t.Fatalf("seeded values must survive, got %v", result.Environment)
	}
	if result.Globals["g"] != "y" {
		t.Fatalf("expected returned globals to contain g=y, got %v", result.Globals)
	}
}

func TestScopeUnsetAndClear(t *testing.T) {
	runner := NewRunner(Options{})
	result := runner.RunPreRequest(`
if (!pm.environment.has('a')) { throw new Error('a should exist'); }
pm.environment.unset('a');
if (pm.environment.has('a')) { throw new Error('a should be gone'); }
pm.globals.clear();
`, Input{
		Environment: map[string]string{"a": "1", "b": "2"},
		Globals:     map[string]string{"k1": "v1", "k2": "v2"},
	})

	if len(result.Logs) != 0 {
		t.Fatalf("unexpected logs: %v", result.Logs)
	}
	if _, ok := result.Environment["a"]; ok {
		t.Fatalf("unset did not remove key: %v", result.Environment)
	}
	if result.Environment["b"] != "2" {
		t.Fatalf("unrelated key lost: %v", result.Environment)
	}
	if len(result.Globals) != 0 {
		t.Fatalf("clear did not empty globals: %v", result.Globals)
	}
}

func TestVariablesGetPrecedence(t *testing.T) {
	runner := NewRunner(Options{})
	result := runner.RunTest(`
pm.test("merged lookup", function () {
  pm.expect(pm.variables.get('shared')).to.equal('env');
  pm.expect(pm.variables.get('only_global')).to.equal('g');
  pm.expect(pm.variables.get('local')).to.equal('l');
});`, Input{
		Response:    &Response{StatusCode: 200},
		Environment: map[string]string{"shared": "env"},
		Globals:     map[string]string{"shared": "global", "only_global": "g"},
		Locals:      map[string]string{"local": "l"},
	})
	if len(result.Tests) != 1 || !result.Tests[0].Passed {
		t.Fatalf("merged lookup failed: %+v, logs=%v", result.Tests, result.Logs)
	}
}

func TestTestAggregation(t *testing.T) {
	runner := NewRunner(Options{})
	script := `
pm.test("first", function () {});
pm.test("second", function () { throw new Error("boom"); });
pm.test("third", function () {});`

	result := runner.RunTest(script, Input{Response: &Response{StatusCode: 200}})
	if len(result.Tests) != 3 {
		t.Fatalf("expected three results, got %d", len(result.Tests))
	}
	if !result.Tests[0].Passed || result.Tests[1].Passed || !result.Tests[2].Passed {
		t.Fatalf("expected only the second test to fail: %+v", result.Tests)
	}
	if result.Tests[1].Name != "second" || !strings.Contains(result.Tests[1].Message, "boom") {
		t.Fatalf("failure message not captured: %+v", result.Tests[1])
	}
	if len(result.Logs) != 0 {
		t.Fatalf("a failed test must not produce an execution error: %v", result.Logs)
	}
}

func TestExpectChains(t *testing.T) {
	runner := NewRunner(Options{})
	resp := &Response{
		StatusCode: 201,
		StatusText: "201 Created",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"id": 7, "ok": true}`,
		Time:       120 * time.Millisecond,
	}
	script := `
pm.test("status ok", function () {
  pm.expect(pm.response).to.have.status(201);
});
pm.test("status mismatch", function () {
  pm.expect(pm.response).to.have.status(404);
});
pm.test("json body", function () {
  var data = pm.response.json();
  pm.expect(data.id).to.equal(7);
  pm.expect(data.ok).to.equal(true);
});
pm.test("equality failure", function () {
  pm.expect("a").to.equal("b");
});
pm.test("headers", function () {
  pm.expect(pm.response.headers.get("content-type")).to.equal("application/json");
});`

	result := runner.RunTest(script, Input{Response: resp})
	if len(result.Tests) != 5 {
		t.Fatalf("expected five results, got %+v", result.Tests)
	}
	expectPassed := []bool{true, false, true, false, true}
	for i, want := range expectPassed {
		if result.Tests[i].Passed != want {
			t.Fatalf("test %d: passed=%v want %v (%+v)", i, result.Tests[i].Passed, want, result.Tests[i])
		}
	}
	if !strings.Contains(result.Tests[1].Message, "expected status 404 but got 201") {
		t.Fatalf("status failure message: %q", result.Tests[1].Message)
	}
	if !strings.Contains(result.Tests[3].Message, "expected a to equal b") {
		t.Fatalf("equality failure message: %q", result.Tests[3].Message)
	}
}

func TestResponseJSONReturnsNullOnBadBody(t *testing.T) {
	runner := NewRunner(Options{})
	result := runner.RunTest(`
pm.test("bad json is null", function () {
  pm.expect(pm.response.json()).to.equal(null);
});`, Input{Response: &Response{StatusCode: 200, Body: "<html>"}})
	if len(result.Tests) != 1 || !result.Tests[0].Passed {
		t.Fatalf("expected null json to pass: %+v", result.Tests)
	}
}

func TestConsoleCollectsLogs(t *testing.T) {
	runner := NewRunner(Options{})
	result := runner.RunPreRequest(`
console.log("hello", 42);
console.warn("careful");
console.error("broken");
console.info("fyi");`, Input{})

	want := []string{"[log] hello 42", "[warn] careful", "[error] broken", "[info] fyi"}
	if len(result.Logs) != len(want) {
		t.Fatalf("expected %d log lines, got %v", len(want), result.Logs)
	}
	for i, line := range want {
		if result.Logs[i] != line {
			t.Fatalf("log %d: got %q want %q", i, result.Logs[i], line)
		}
	}
}

func TestUncaughtErrorBecomesLogLine(t *testing.T) {
	runner := NewRunner(Options{})
	result := runner.RunPreRequest(`
pm.environment.set('before', '1');
throw new Error("kaput");`, Input{})

	if len(result.Logs) != 1 || !strings.HasPrefix(result.Logs[0], "EXECUTION ERROR: ") {
		t.Fatalf("expected a single EXECUTION ERROR line, got %v", result.Logs)
	}
	if !strings.Contains(result.Logs[0], "kaput") {
		t.Fatalf("error message not captured: %v", result.Logs)
	}
	if result.Environment["before"] != "1" {
		t.Fatalf("mutations before the fault must be kept: %v", result.Environment)
	}
}

func TestRequestViewReadOnly(t *testing.T) {
	runner := NewRunner(Options{})
	req := &Request{
		Method:  "POST",
		URL:     "http://example.com/api",
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Body:    `{"n":1}`,
	}
	result := runner.RunPreRequest(`
pm.test("request fields", function () {
  pm.expect(pm.request.method).to.equal("POST");
  pm.expect(pm.request.url).to.equal("http://example.com/api");
  pm.expect(pm.request.headers.get("authorization")).to.equal("Bearer tok");
});`, Input{Request: req})
	if len(result.Tests) != 1 || !result.Tests[0].Passed {
		t.Fatalf("request view test failed: %+v logs=%v", result.Tests, result.Logs)
	}
}

func TestOnlyPMAndConsoleAreBound(t *testing.T) {
	runner := NewRunner(Options{})
	result := runner.RunPreRequest(`
if (typeof process !== "undefined") { throw new Error("process leaked"); }
if (typeof require !== "undefined") { throw new Error("require leaked"); }
if (typeof fetch !== "undefined") { throw new Error("fetch leaked"); }
pm.environment.set("clean", "yes");`, Input{})
	if len(result.Logs) != 0 {
		t.Fatalf("host globals leaked into the sandbox: %v", result.Logs)
	}
	if result.Environment["clean"] != "yes" {
		t.Fatalf("script did not complete: %v", result.Environment)
	}
}

func TestRunawayScriptIsInterrupted(t *testing.T) {
	runner := NewRunner(Options{Timeout: 50 * time.Millisecond})
	done := make(chan Result, 1)
	go func() {
		done <- runner.RunPreRequest(`while (true) {}`, Input{})
	}()

	select {
	case result := <-done:
		if len(result.Logs) != 1 || !strings.HasPrefix(result.Logs[0], "EXECUTION ERROR: ") {
			t.Fatalf("expected timeout recorded as execution error, got %v", result.Logs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runaway script was not interrupted")
	}
}
