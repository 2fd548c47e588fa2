package curl

import (
	"net/http"
	"sort"
	"strings"

	"github.com/restdeck/restdeck/internal/httpclient"
)

// Command renders a fully interpolated wire request as a
// copy-pasteable curl invocation. Headers are emitted in sorted order
// so the output is stable.
func Command(req *httpclient.Request) string {
	parts := []string{"curl"}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method != "" && method != http.MethodGet {
		parts = append(parts, "-X", method)
	}

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, "-H", quote(name+": "+req.Headers[name]))
	}

	if req.Body != "" {
		parts = append(parts, "--data", quote(req.Body))
	}

	parts = append(parts, quote(req.URL))
	return strings.Join(parts, " ")
}

// quote wraps a value in single quotes for a POSIX shell, escaping any
// embedded single quote.
func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
