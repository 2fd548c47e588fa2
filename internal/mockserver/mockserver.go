package mockserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"pkt.systems/pslog"

	"github.com/restdeck/restdeck/internal/errdef"
)

// AuthConfig holds the credentials a guarded route checks against.
// Fields are used per auth type: username/password for basic, token for
// bearer, header/key for api-key.
type AuthConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Header   string `json:"header,omitempty"`
	Key      string `json:"key,omitempty"`
}

// Route is one canned endpoint. Path segments starting with ':' match
// any value ("/users/:id").
type Route struct {
	ID       string            `json:"id"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Status   int               `json:"status"`
	Body     string            `json:"body"`
	Headers  map[string]string `json:"headers,omitempty"`
	AuthType string            `json:"auth_type,omitempty"`
	Auth     *AuthConfig       `json:"auth_config,omitempty"`
}

type running struct {
	server *http.Server
	port   int
}

// knownMethods guards route registration; chi panics on methods it
// does not recognise.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

type Options struct {
	Logger pslog.Base
	// OnRequest receives one line per served request, in the form
	// "[id:port] METHOD /path".
	OnRequest func(serverID, line string)
}

// Manager runs any number of mock servers, keyed by id. Starting an id
// that is already running restarts it with the new routes.
type Manager struct {
	mu        sync.Mutex
	servers   map[string]*running
	logger    pslog.Base
	onRequest func(string, string)
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	return &Manager{
		servers:   make(map[string]*running),
		logger:    logger,
		onRequest: opts.OnRequest,
	}
}

// Start binds 127.0.0.1:port and serves the given routes. Port 0 picks
// an ephemeral port; the bound port is returned either way. A port held
// by another process is an error, not a silent retry.
func (m *Manager) Start(serverID string, port int, routes []Route) (int, error) {
	for _, route := range routes {
		if !knownMethods[strings.ToUpper(strings.TrimSpace(route.Method))] {
			return 0, errdef.New(errdef.CodeHTTP,
				"route %s %s: unsupported method", route.Method, route.Path)
		}
	}

	m.Stop(serverID)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeHTTP, err, "port %d is already in use", port)
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	server := &http.Server{Handler: m.router(serverID, boundPort, routes)}

	m.mu.Lock()
	m.servers[serverID] = &running{server: server, port: boundPort}
	m.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.logger.Error("mock server stopped", "id", serverID, "err", err)
		}
	}()

	m.logger.Info("mock server started", "id", serverID, "port", boundPort, "routes", len(routes))
	return boundPort, nil
}

// Stop shuts down one server. Stopping an id that is not running is a
// no-op and reports false.
func (m *Manager) Stop(serverID string) bool {
	m.mu.Lock()
	instance, ok := m.servers[serverID]
	if ok {
		delete(m.servers, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := instance.server.Shutdown(ctx); err != nil {
		instance.server.Close()
	}
	m.logger.Info("mock server stopped", "id", serverID, "port", instance.port)
	return true
}

// StopAll shuts down every running server and reports how many there
// were.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
	return len(ids)
}

// Running lists the ids of currently running servers, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Port reports the bound port of a running server.
func (m *Manager) Port(serverID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.servers[serverID]
	if !ok {
		return 0, false
	}
	return instance.port, true
}

func (m *Manager) router(serverID string, port int, routes []Route) http.Handler {
	r := chi.NewRouter()
	r.Use(m.requestLog(serverID, port))
	r.Use(corsHeaders)

	for _, route := range routes {
		route := route
		method := strings.ToUpper(strings.TrimSpace(route.Method))
		r.MethodFunc(method, chiPath(route.Path), func(w http.ResponseWriter, req *http.Request) {
			if !authorized(&route, req) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error": "Unauthorized", "message": "Invalid or missing authentication"}`))
				return
			}
			for name, value := range route.Headers {
				w.Header().Set(name, value)
			}
			status := route.Status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			w.Write([]byte(route.Body))
		})
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Mock route not found: %s %s", req.Method, req.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Mock route not found: %s %s", req.Method, req.URL.Path)
	})
	return r
}

func (m *Manager) requestLog(serverID string, port int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			line := fmt.Sprintf("[%s:%d] %s %s", serverID, port, req.Method, req.URL.Path)
			m.logger.Debug("mock request", "line", line)
			if m.onRequest != nil {
				m.onRequest(serverID, line)
			}
			next.ServeHTTP(w, req)
		})
	}
}

func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		next.ServeHTTP(w, req)
	})
}

// chiPath rewrites ":param" segments into chi's "{param}" form.
func chiPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") && len(part) > 1 {
			parts[i] = "{" + part[1:] + "}"
		}
	}
	joined := strings.Join(parts, "/")
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

func authorized(route *Route, req *http.Request) bool {
	authType := route.AuthType
	if authType == "" || authType == "none" {
		return true
	}
	cfg := route.Auth
	if cfg == nil {
		return true
	}

	switch authType {
	case "basic":
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Basic ") {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err != nil {
			return false
		}
		return string(decoded) == cfg.Username+":"+cfg.Password
	case "bearer":
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return false
		}
		return strings.TrimPrefix(header, "Bearer ") == cfg.Token
	case "api_key":
		name := cfg.Header
		if name == "" {
			name = "X-API-Key"
		}
		return req.Header.Get(name) == cfg.Key
	default:
		return true
	}
}
