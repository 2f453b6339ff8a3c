// Package httpapi serves the display sockets and the operator API of the control
// server.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/hub"
	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/metrics"
)

const displayPathPrefix = "/ws/display/"

type Server struct {
	Hub *hub.Hub
	// APIToken guards /api. DisplayToken guards the display sockets. Empty
	// tokens disable the check.
	APIToken     string
	DisplayToken string
	CheckOrigin  bool
	Limiter      *hub.RateLimiter
	Metrics      *metrics.Metrics
	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer

	log zerolog.Logger
}

func (s *Server) Router() http.Handler {
	s.log = logging.Component("httpapi")
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.CheckOrigin {
				return sameHostOrigin(r)
			}
			return true
		},
	}

	mux.Handle(displayPathPrefix, s.instrument("/ws/display", &displayHandler{
		hub:      s.Hub,
		upgrader: upgrader,
		token:    s.DisplayToken,
		log:      s.log,
	}))
	mux.Handle("/api/displays", s.instrument("/api/displays", s.withAuth(s.handleDisplays)))
	mux.Handle("/api/displays/", s.instrument("/api/displays/{slug}", s.withAuth(s.handleDisplaySubroutes)))
	mux.Handle("/api/reload", s.instrument("/api/reload", s.withAuth(s.handleReloadAll)))
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if s.APIToken != "" && token != s.APIToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !s.Limiter.Allow("api:" + token) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

func (s *Server) handleDisplays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"displays": s.Hub.Displays()})
}

func (s *Server) handleDisplaySubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/displays/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	slug := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	actor := "api:" + tokenLabel(extractToken(r))

	switch {
	case r.Method == http.MethodGet && action == "":
		d, ok := s.Hub.Display(slug)
		if !ok {
			http.Error(w, "display not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case r.Method == http.MethodPost && action == "reload":
		delayed := queryBool(r, "delayed", false)
		n, err := s.Hub.Reload(slug, delayed, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sockets": n, "delayed": delayed})
	case r.Method == http.MethodPost && action == "exec":
		var req hub.ExecRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res, err := s.Hub.Exec(r.Context(), slug, req, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// all displays at once would hammer the server, so this defaults to delayed
	delayed := queryBool(r, "delayed", true)
	n := s.Hub.ReloadAll(delayed, "api:"+tokenLabel(extractToken(r)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sockets": n, "delayed": delayed})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrDisplayOffline):
		code = http.StatusServiceUnavailable
	case errors.Is(err, hub.ErrExecTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, hub.ErrUnknownExecKind), errors.Is(err, hub.ErrEmptyExecCode):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func queryBool(r *http.Request, key string, fallback bool) bool {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// tokenLabel keeps tokens out of the audit log.
func tokenLabel(token string) string {
	if token == "" {
		return "anonymous"
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "..."
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sameHostOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return strings.Contains(origin, r.Host)
}
