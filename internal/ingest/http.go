package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"slackpush/internal/buildbot"
	"slackpush/internal/eventbus"
	"slackpush/internal/runtime/supervisor"
	logx "slackpush/pkg/logx"
)

const (
	DefaultHTTPAddr = "127.0.0.1:8010"
	DefaultHTTPPath = "/buildbot"

	maxBodyBytes = 1 << 20
)

// HTTPConfig controls the webhook receiver.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type HTTPConfig struct {
	Enabled       bool
	Addr          string
	Path          string
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// HTTPService accepts build dictionaries pushed by Buildbot:
//
//	POST <path>/<event>   event is new, started or finished
//	POST <path>           event inferred from the "results" key
//	GET  /healthz
type HTTPService struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus
	sup *supervisor.Supervisor
	cfg HTTPConfig

	health func() any

	srv      *http.Server
	addr     string
	stopDone chan struct{}
}

// NewHTTPService builds a receiver. With a nil supervisor the server runs
// in a plain goroutine and is not restarted on failure.
func NewHTTPService(cfg HTTPConfig, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *HTTPService {
	return &HTTPService{cfg: cfg, bus: bus, sup: sup, log: log.With(logx.String("comp", "ingest.http"))}
}

// SetHealth installs extra data reported by /healthz. Takes effect on next Start.
func (s *HTTPService) SetHealth(fn func() any) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

// Addr returns the bound listen address, or "" when stopped.
func (s *HTTPService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts/stops/restarts the listener if needed.
// Safe to call during hot-reload.
func (s *HTTPService) Reconfigure(ctx context.Context, cfg HTTPConfig) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return nil
	}
	if !running {
		return s.Start(ctx)
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

func needsRestart(a, b HTTPConfig) bool {
	return normalizeAddr(a.Addr) != normalizeAddr(b.Addr) ||
		normalizePath(a.Path) != normalizePath(b.Path) ||
		strings.TrimSpace(a.Token) != strings.TrimSpace(b.Token) ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Start binds the listener and serves in the background. It returns the
// listen or safety error so callers can surface a bad config.
func (s *HTTPService) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		// If stop is in progress, wait for it (avoid double listen).
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		cur := s.cfg
		health := s.health
		s.mu.Unlock()

		if !cur.Enabled {
			return nil
		}

		addr := normalizeAddr(cur.Addr)
		token := strings.TrimSpace(cur.Token)
		if !cur.AllowInsecure && token == "" && !isLoopbackAddr(addr) {
			s.log.Error("ingest refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return fmt.Errorf("ingest.http: non-loopback addr %q requires token or allow_insecure", addr)
		}
		if cur.AllowInsecure && token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("ingest running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ingest listen failed", logx.String("addr", addr), logx.Err(err))
			return fmt.Errorf("ingest.http: listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:     s.routes(normalizePath(cur.Path), token, health),
			ReadTimeout: cur.ReadTimeout,
			IdleTimeout: cur.IdleTimeout,
		}

		s.mu.Lock()
		s.srv = srv
		s.addr = ln.Addr().String()
		s.mu.Unlock()

		s.serve(srv, ln, addr)

		s.log.Info("ingest started",
			logx.String("addr", ln.Addr().String()),
			logx.String("path", normalizePath(cur.Path)),
			logx.Bool("token_set", token != ""),
		)
		return nil
	}
}

// serve runs srv until it is shut down. Under a supervisor a broken
// listener is reopened with backoff.
func (s *HTTPService) serve(srv *http.Server, first net.Listener, addr string) {
	run := func(context.Context) error {
		// Runs are sequential, so the first listener is handed over once.
		ln := first
		first = nil
		if ln == nil {
			var err error
			if ln, err = net.Listen("tcp", addr); err != nil {
				return err
			}
		}
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("ingest server stopped with error", logx.Err(err))
		return err
	}
	if s.sup == nil {
		go func() { _ = run(context.Background()) }()
		return
	}
	s.sup.GoRestart("ingest.http", run)
}

func (s *HTTPService) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ingest stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *HTTPService) routes(path, token string, health func() any) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"status": "ok"}
		if health != nil {
			out["runtime"] = health()
		}
		writeJSON(w, http.StatusOK, out)
	}))
	base := strings.TrimSuffix(path, "/")
	mux.HandleFunc(base, wrap(func(w http.ResponseWriter, r *http.Request) { s.handleBuild(w, r, "") }))
	mux.HandleFunc(base+"/", wrap(func(w http.ResponseWriter, r *http.Request) {
		s.handleBuild(w, r, strings.TrimPrefix(r.URL.Path, base+"/"))
	}))
	return mux
}

func (s *HTTPService) handleBuild(w http.ResponseWriter, r *http.Request, event string) {
	var (
		kind buildbot.EventKind
		ok   bool
	)
	if event != "" {
		if kind, ok = buildbot.ParseEventKind(event); !ok || strings.Contains(event, "/") {
			http.Error(w, "unknown event", http.StatusNotFound)
			return
		}
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if event == "" {
		kind = inferEvent(body)
	}

	rep, err := publishBuild(s.bus, kind, body)
	if err != nil {
		s.log.Warn("rejected build payload", logx.String("event", string(kind)), logx.Err(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Debug("build event accepted", logx.String("key", rep.Key.String()))
	writeJSON(w, http.StatusAccepted, map[string]any{"key": rep.Key.String()})
}

// inferEvent treats a build with results as finished.
func inferEvent(body []byte) buildbot.EventKind {
	var probe struct {
		Results  *json.RawMessage `json:"results"`
		Complete bool             `json:"complete"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if probe.Complete || (probe.Results != nil && string(*probe.Results) != "null") {
			return buildbot.EventFinished
		}
	}
	return buildbot.EventStarted
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizeAddr(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func normalizePath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		p = DefaultHTTPPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p = strings.TrimRight(p, "/"); p == "" {
		return DefaultHTTPPath
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
