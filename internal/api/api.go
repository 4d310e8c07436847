// Package api exposes the cowfork control API over Unix socket and optional TCP.
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
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/scenario"
	"github.com/kahiteam/cowfork/internal/version"
)

// Runner runs scenarios and keeps their reports.
type Runner interface {
	Run(ctx context.Context, name string) (*scenario.Report, error)
	Reports() []*scenario.Report
}

// LogSource serves the tail of the daemon's own log output.
type LogSource interface {
	Tail(n int) []byte
}

// Config holds API server configuration.
type Config struct {
	Username string
	Password string       // bcrypt hash
	Web      http.Handler // dashboard, served at / when set
}

// Server is the HTTP API server for cowfork.
type Server struct {
	runner     Runner
	logs       LogSource
	metrics    http.Handler
	web        http.Handler
	bus        *events.Bus
	logger     *slog.Logger
	mux        *http.ServeMux
	unixLn     net.Listener
	tcpLn      net.Listener
	unixServer *http.Server
	tcpServer  *http.Server
	stopping   atomic.Bool

	authUser string
	authPass string // bcrypt hash
}

// NewServer creates an API server. logs and metrics may be nil, in which
// case their endpoints answer 404.
func NewServer(cfg Config, runner Runner, logs LogSource, metrics http.Handler, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		runner:   runner,
		logs:     logs,
		metrics:  metrics,
		web:      cfg.Web,
		bus:      bus,
		logger:   logger,
		authUser: cfg.Username,
		authPass: cfg.Password,
	}
	s.mux = s.buildMux()
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check -- no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// API v1 endpoints -- auth required on TCP.
	mux.HandleFunc("GET /api/v1/version", s.requireAuth(s.handleVersion))
	mux.HandleFunc("GET /api/v1/scenarios", s.requireAuth(s.handleListScenarios))
	mux.HandleFunc("POST /api/v1/scenarios/{name}/run", s.requireAuth(s.handleRunScenario))
	mux.HandleFunc("GET /api/v1/reports", s.requireAuth(s.handleReports))
	mux.HandleFunc("GET /api/v1/log", s.requireAuth(s.handleLog))
	mux.HandleFunc("GET /api/v1/events/stream", s.requireAuth(s.handleEventStream))
	mux.HandleFunc("GET /metrics", s.requireAuth(s.handleMetrics))

	if s.web != nil {
		web := s.requireAuth(s.web.ServeHTTP)
		mux.HandleFunc("GET /{$}", web)
		mux.HandleFunc("GET /report/", web)
		mux.HandleFunc("GET /static/", web)
	}

	return mux
}

// Handler returns the API routes, for mounting under another server.
func (s *Server) Handler() http.Handler { return s.mux }

// StartUnix creates and begins serving on a Unix domain socket.
func (s *Server) StartUnix(path string, mode os.FileMode) error {
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
	s.unixServer = &http.Server{Handler: s.mux}

	go func() {
		if err := s.unixServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()

	s.logger.Info("unix socket server started", "path", path)
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
		s.logger.Warn("HTTP server bound to all interfaces", "addr", addr)
	}

	go func() {
		if err := s.tcpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tcp server error", "error", err)
		}
	}()

	s.logger.Info("tcp http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down all listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.stopping.Store(true)
	var errs []error
	if s.unixServer != nil {
		if err := s.unixServer.Shutdown(ctx); err != nil {
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
	if s.stopping.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"date":       version.Date,
		"go_version": runtime.Version(),
	})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenario.Programs())
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.stopping.Load() {
		writeError(w, http.StatusConflict, "server is shutting down", "SHUTTING_DOWN")
		return
	}
	rep, err := s.runner.Run(r.Context(), name)
	if err != nil {
		status := classifyError(err)
		writeError(w, status, err.Error(), errorCode(status))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports := s.runner.Reports()
	if name := r.URL.Query().Get("scenario"); name != "" {
		var filtered []*scenario.Report
		for _, rep := range reports {
			if rep.Scenario == name {
				filtered = append(filtered, rep)
			}
		}
		reports = filtered
	}
	if v := r.URL.Query().Get("env"); v != "" {
		id, err := kernel.ParseEnvID(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		var filtered []*scenario.Report
		for _, rep := range reports {
			if one := rep.ForEnv(id); one != nil {
				filtered = append(filtered, one)
			}
		}
		reports = filtered
	}
	if reports == nil {
		reports = []*scenario.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log capture is not enabled", "NOT_FOUND")
		return
	}
	n := 0
	if v := r.URL.Query().Get("bytes"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bytes must be a non-negative integer", "BAD_REQUEST")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.logs.Tail(n))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics are not enabled", "NOT_FOUND")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "SERVER_ERROR")
		return
	}

	var typeFilter map[events.EventType]bool
	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		typeFilter = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesParam, ",") {
			typeFilter[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Handlers may run under the kernel lock, so they only hand off to
	// the channel and drop events when the client falls behind.
	type sseEvent struct {
		eventType string
		data      []byte
	}
	ch := make(chan sseEvent, 256)

	var ids []uint64
	for _, et := range events.Types {
		if typeFilter != nil && !typeFilter[et] {
			continue
		}
		id := s.bus.Subscribe(et, func(e events.Event) {
			data, _ := json.Marshal(e.Data)
			select {
			case ch <- sseEvent{eventType: string(e.Type), data: data}:
			default:
			}
		})
		ids = append(ids, id)
	}
	defer func() {
		for _, id := range ids {
			s.bus.Unsubscribe(id)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

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

		if s.authUser == "" {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="cowfork"`)
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}

		if user != s.authUser || !checkPassword(pass, s.authPass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="cowfork"`)
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
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
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
	case errors.Is(err, scenario.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "SERVER_ERROR"
	}
}
