// Package api exposes the control API of a temp root hold over a Unix
// socket and an optional TCP listener.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/logging"
	"github.com/kahiteam/nixffi/internal/supervisor"
	"github.com/kahiteam/nixffi/internal/version"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Holder is the hold the API operates on.
type Holder interface {
	Add(ctx context.Context, name []byte) error
	Roots() []string
	Holding() bool
	Release()
}

// Server is the HTTP control server.
type Server struct {
	holder     Holder
	bus        *events.Bus
	logger     *slog.Logger
	mux        *http.ServeMux
	unixLn     net.Listener
	tcpLn      net.Listener
	unixServer *http.Server
	tcpServer  *http.Server
	unixPath   string

	authUser string
	authPass string // bcrypt hash
}

// Config holds API server configuration.
type Config struct {
	Username string
	Password string // bcrypt hash
}

// AddRequest is the body of POST /api/v1/roots.
type AddRequest struct {
	Name  string   `json:"name,omitempty"`
	Names []string `json:"names,omitempty"`
}

// NewServer creates an API server for h. bus may be nil, in which case the
// event stream endpoint reports no events.
func NewServer(cfg Config, h Holder, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		holder:   h,
		bus:      bus,
		logger:   logger,
		authUser: cfg.Username,
		authPass: cfg.Password,
	}
	s.mux = s.buildMux()
	return s
}

// Handler returns the API request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Probe endpoint -- no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// API v1 endpoints -- auth required on TCP.
	mux.HandleFunc("GET /api/v1/roots", s.requireAuth(s.handleListRoots))
	mux.HandleFunc("POST /api/v1/roots", s.requireAuth(s.handleAddRoots))
	mux.HandleFunc("POST /api/v1/release", s.requireAuth(s.handleRelease))
	mux.HandleFunc("GET /api/v1/version", s.requireAuth(s.handleVersion))
	mux.HandleFunc("GET /api/v1/events/stream", s.requireAuth(s.handleEventStream))

	return mux
}

// StartUnix creates and begins serving on a Unix domain socket.
func (s *Server) StartUnix(path string, mode os.FileMode) error {
	// Remove stale socket from previous run.
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("cannot set socket permissions: %s: %w", path, err)
	}

	s.unixLn = ln
	s.unixPath = path
	s.unixServer = &http.Server{Handler: s.mux}

	go func() {
		if err := s.unixServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()

	s.logger.Info("control socket started", "path", path)
	return nil
}

// StartTCP begins serving on a TCP address.
func (s *Server) StartTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}

	s.tcpLn = ln
	s.tcpServer = &http.Server{Handler: s.mux}

	host, _, _ := net.SplitHostPort(addr)
	if host == "0.0.0.0" || host == "" || host == "::" {
		s.logger.Warn("control API bound to all interfaces", "addr", addr)
	}
	if s.authUser == "" {
		s.logger.Warn("control API on TCP has no authentication", "addr", addr)
	}

	go func() {
		if err := s.tcpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tcp server error", "error", err)
		}
	}()

	s.logger.Info("control API started", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down all listeners and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.unixServer != nil {
		if err := s.unixServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(s.unixPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// UnixAddr returns the address of the Unix listener, or empty if not started.
func (s *Server) UnixAddr() string {
	if s.unixLn != nil {
		return s.unixLn.Addr().String()
	}
	return ""
}

// TCPAddr returns the address of the TCP listener, or empty if not started.
func (s *Server) TCPAddr() string {
	if s.tcpLn != nil {
		return s.tcpLn.Addr().String()
	}
	return ""
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// --- HTTP Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.holder.Holding() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not holding"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRoots(w http.ResponseWriter, r *http.Request) {
	roots := s.holder.Roots()
	if roots == nil {
		roots = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holding": s.holder.Holding(),
		"roots":   roots,
	})
}

func (s *Server) handleAddRoots(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return
	}
	names := req.Names
	if req.Name != "" {
		names = append([]string{req.Name}, names...)
	}
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "no temp root names given", "BAD_REQUEST")
		return
	}
	for _, n := range names {
		if n == "" {
			writeError(w, http.StatusBadRequest, "empty temp root name", "BAD_REQUEST")
			return
		}
	}

	// A request cut short would leave the helper connection unusable, so
	// a client disconnect does not cancel it. The runner bounds each add.
	ctx := context.WithoutCancel(r.Context())
	added := []string{}
	for _, n := range names {
		if err := s.holder.Add(ctx, []byte(n)); err != nil {
			status := classifyError(err)
			s.logger.Warn("temp root request failed", "name", n, "error", err)
			writeJSON(w, status, map[string]any{
				"error": err.Error(),
				"code":  errorCode(status),
				"added": added,
			})
			return
		}
		added = append(added, n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.holder.Holding() {
		writeError(w, http.StatusConflict, supervisor.ErrNotHolding.Error(), "CONFLICT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "releasing"})
	s.holder.Release()
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	goVer := version.GoVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version":       version.Version,
		"commit":        version.Commit,
		"date":          version.Date,
		"go":            goVer,
		"plugin_prefix": version.PluginPrefix,
	})
}

var streamTypes = []events.EventType{
	events.HelperSpawned, events.HelperSpawnFailed, events.HelperClosed,
	events.TempRootAdded, events.TempRootFailed,
	events.HoldStarted, events.HoldStopping,
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "SERVER_ERROR")
		return
	}

	// Parse type filter.
	types := streamTypes
	if param := r.URL.Query().Get("types"); param != "" {
		known := make(map[events.EventType]bool, len(streamTypes))
		for _, et := range streamTypes {
			known[et] = true
		}
		types = nil
		for _, t := range strings.Split(param, ",") {
			et := events.EventType(strings.ToUpper(strings.TrimSpace(t)))
			if !known[et] {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type: %s", t), "BAD_REQUEST")
				return
			}
			types = append(types, et)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Use a channel to serialize writes to the response writer.
	type sseEvent struct {
		eventType string
		data      []byte
	}
	ch := make(chan sseEvent, 64)

	if s.bus != nil {
		id := s.bus.Subscribe(func(e events.Event) {
			data, _ := json.Marshal(e.Data)
			select {
			case ch <- sseEvent{eventType: string(e.Type), data: data}:
			default:
			}
		}, types...)
		defer s.bus.Unsubscribe(id)
		s.logger.Debug("event stream opened", "types", len(types),
			"subscribers", s.bus.SubscriberCount(types[0]))
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.eventType, ev.data)
			flusher.Flush()
		}
	}
}

// --- Auth middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Unix socket connections skip auth.
		if isUnixConn(r) {
			next(w, r)
			return
		}

		// TCP connections require auth if configured.
		if s.authUser == "" {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="nixffi"`)
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}

		if user != s.authUser || !checkPassword(pass, s.authPass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nixffi"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
			return
		}

		next(w, r)
	}
}

func isUnixConn(r *http.Request) bool {
	// When served over Unix socket, RemoteAddr is typically empty or "@".
	return r.RemoteAddr == "" || r.RemoteAddr == "@"
}

func checkPassword(plain, hash string) bool {
	if hash == "" {
		return plain == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// HashPassword returns the bcrypt hash stored in control.password.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func classifyError(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrNotHolding):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusGatewayTimeout:
		return "HELPER_TIMEOUT"
	case http.StatusBadGateway:
		return "HELPER_ERROR"
	default:
		return "SERVER_ERROR"
	}
}
