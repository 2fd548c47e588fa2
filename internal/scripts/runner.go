package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Request is the read-only view of the in-flight request exposed to
// scripts.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the read-only view of a received response.
type Response struct {
	StatusCode int
	StatusText string
	Headers    map[string]string
	Body       string
	Time       time.Duration
	Size       int
}

type TestResult struct {
	Name    string
	Message string
	Passed  bool
}

// Result is the snapshot a script execution produces. Environment and
// Globals are fresh maps reflecting every set/unset/clear the script
// made; the caller's own maps are never touched.
type Result struct {
	Logs        []string
	Environment map[string]string
	Globals     map[string]string
	Tests       []TestResult
}

type Input struct {
	Request     *Request
	Response    *Response
	Environment map[string]string
	Globals     map[string]string
	Locals      map[string]string
	Context     context.Context
}

type Options struct {
	// Timeout bounds wall-clock execution of a single script. Zero
	// selects DefaultTimeout; scripts must never hang the pipeline.
	Timeout time.Duration
}

const DefaultTimeout = 10 * time.Second

type Runner struct {
	timeout time.Duration
}

func NewRunner(opts Options) *Runner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout}
}

// RunPreRequest executes a pre-request hook. The response capability is
// absent; everything else matches RunTest.
func (r *Runner) RunPreRequest(script string, input Input) Result {
	input.Response = nil
	return r.execute(script, input)
}

// RunTest executes a test hook against the already-sent request and the
// received response.
func (r *Runner) RunTest(script string, input Input) Result {
	return r.execute(script, input)
}

// execute runs the script body under strict mode with only pm and
// console bound. A script fault of any kind is folded into the result
// as an EXECUTION ERROR log line; execute never returns an error.
func (r *Runner) execute(script string, input Input) Result {
	sb := newSandbox(input)
	if strings.TrimSpace(script) == "" {
		return sb.result()
	}

	vm := goja.New()
	sb.vm = vm

	if err := vm.Set("pm", sb.pmObject()); err != nil {
		sb.logError(err)
		return sb.result()
	}
	if err := vm.Set("console", sb.consoleObject()); err != nil {
		sb.logError(err)
		return sb.result()
	}

	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-watchdogDone:
		}
	}()

	if _, err := vm.RunString("\"use strict\";\n" + script); err != nil {
		sb.logError(err)
	}
	return sb.result()
}

type sandbox struct {
	vm       *goja.Runtime
	request  *Request
	response *Response

	environment map[string]string
	globals     map[string]string
	locals      map[string]string

	logs  []string
	tests []TestResult
}

func newSandbox(input Input) *sandbox {
	return &sandbox{
		request:     input.Request,
		response:    input.Response,
		environment: copyValues(input.Environment),
		globals:     copyValues(input.Globals),
		locals:      copyValues(input.Locals),
	}
}

func copyValues(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (s *sandbox) result() Result {
	return Result{
		Logs:        s.logs,
		Environment: s.environment,
		Globals:     s.globals,
		Tests:       append([]TestResult(nil), s.tests...),
	}
}

func (s *sandbox) logError(err error) {
	s.logs = append(s.logs, "EXECUTION ERROR: "+exceptionMessage(err))
}

func exceptionMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String()
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("interrupted: %v", interrupted.Value())
	}
	return err.Error()
}

func (s *sandbox) pmObject() map[string]interface{} {
	pm := map[string]interface{}{
		"environment": s.scopeAPI(s.environment),
		"globals":     s.scopeAPI(s.globals),
		"variables": map[string]interface{}{
			"get": s.mergedGet,
		},
		"test":   s.test,
		"expect": s.expect,
	}
	if s.request != nil {
		pm["request"] = s.requestAPI()
	}
	if s.response != nil {
		pm["response"] = s.responseAPI()
	}
	return pm
}

// scopeAPI operates on the sandbox's private copy of one scope.
func (s *sandbox) scopeAPI(values map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"get": func(name string) string {
			return values[name]
		},
		"set": func(name, value string) {
			values[name] = value
		},
		"has": func(name string) bool {
			_, ok := values[name]
			return ok
		},
		"unset": func(name string) {
			delete(values, name)
		},
		"clear": func() {
			for key := range values {
				delete(values, key)
			}
		},
	}
}

// mergedGet reads the run-local view: Local over Environment over
// Global.
func (s *sandbox) mergedGet(name string) string {
	if value, ok := s.locals[name]; ok {
		return value
	}
	if value, ok := s.environment[name]; ok {
		return value
	}
	return s.globals[name]
}

func (s *sandbox) requestAPI() map[string]interface{} {
	return map[string]interface{}{
		"url":    s.request.URL,
		"method": s.request.Method,
		"body":   s.request.Body,
		"headers": map[string]interface{}{
			"get": func(name string) string {
				return headerLookup(s.request.Headers, name)
			},
			"has": func(name string) bool {
				_, ok := headerFind(s.request.Headers, name)
				return ok
			},
		},
	}
}

func (s *sandbox) responseAPI() map[string]interface{} {
	headers := make(map[string]string, len(s.response.Headers))
	for name, value := range s.response.Headers {
		headers[strings.ToLower(name)] = value
	}
	return map[string]interface{}{
		"code":         s.response.StatusCode,
		"status":       s.response.StatusText,
		"responseTime": float64(s.response.Time) / float64(time.Millisecond),
		"text": func() string {
			return s.response.Body
		},
		"json": func() interface{} {
			var parsed interface{}
			if err := json.Unmarshal([]byte(s.response.Body), &parsed); err != nil {
				return nil
			}
			return parsed
		},
		"headers": map[string]interface{}{
			"get": func(name string) string {
				return headerLookup(s.response.Headers, name)
			},
			"has": func(name string) bool {
				_, ok := headerFind(s.response.Headers, name)
				return ok
			},
			"all": headers,
		},
	}
}

func headerFind(headers map[string]string, name string) (string, bool) {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}

func headerLookup(headers map[string]string, name string) string {
	value, _ := headerFind(headers, name)
	return value
}

// test runs the callback synchronously. A throw marks this one entry
// failed with the error message; sibling test() calls still run.
func (s *sandbox) test(name string, callback goja.Callable) {
	passed := true
	message := ""

	defer func() {
		if r := recover(); r != nil {
			passed = false
			message = fmt.Sprintf("panic: %v", r)
		}
		s.tests = append(s.tests, TestResult{Name: name, Message: message, Passed: passed})
	}()

	if callback == nil {
		passed = false
		message = "pm.test requires a function argument"
		return
	}
	if _, err := callback(goja.Undefined()); err != nil {
		passed = false
		message = exceptionMessage(err)
	}
}

// expect returns the minimal chainable assertion object. Failures are
// thrown as plain values so test() captures clean messages.
func (s *sandbox) expect(actual goja.Value) map[string]interface{} {
	return map[string]interface{}{
		"to": map[string]interface{}{
			"equal": func(expected goja.Value) {
				if !actual.StrictEquals(expected) {
					panic(s.vm.ToValue(fmt.Sprintf(
						"expected %s to equal %s", actual.String(), expected.String(),
					)))
				}
			},
			"have": map[string]interface{}{
				"status": func(code int) {
					if s.response == nil {
						panic(s.vm.ToValue("no response to assert on"))
					}
					if s.response.StatusCode != code {
						panic(s.vm.ToValue(fmt.Sprintf(
							"expected status %d but got %d", code, s.response.StatusCode,
						)))
					}
				},
			},
		},
	}
}

func (s *sandbox) consoleObject() map[string]interface{} {
	appendLine := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			s.logs = append(s.logs, fmt.Sprintf("[%s] %s", level, strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	return map[string]interface{}{
		"log":   appendLine("log"),
		"warn":  appendLine("warn"),
		"error": appendLine("error"),
		"info":  appendLine("info"),
	}
}
