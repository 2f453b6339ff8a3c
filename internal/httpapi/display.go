package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/hub"
)

type displayHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	token    string
	log      zerolog.Logger
}

// ServeHTTP upgrades /ws/display/{slug}/ to a display socket.
func (h *displayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, displayPathPrefix), "/")
	if slug == "" || strings.Contains(slug, "/") {
		http.Error(w, "display slug required", http.StatusNotFound)
		return
	}
	if h.token != "" && extractToken(r) != h.token {
		h.log.Warn().Str("display_slug", slug).Str("remote", r.RemoteAddr).Msg("display socket unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Str("display_slug", slug).Str("remote", r.RemoteAddr).Msg("display socket upgrade failed")
		return
	}
	defer ws.Close()
	h.hub.Serve(ws, slug, r.RemoteAddr)
}
