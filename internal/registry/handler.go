package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/orchestrator"
)

// CloseUnknownSlug is the WebSocket close code sent when /session names a
// slug the registry doesn't know.
const CloseUnknownSlug = 4404

// Handler is the registry's HTTP surface: deploy, per-slug client assets,
// and session WebSocket routing.
type Handler struct {
	reg      *Registry
	upgrader websocket.Upgrader

	// singleAgentSlug, when set, lets bare /session route without a slug
	// path segment (single-agent deployment mode).
	singleAgentSlug string
}

// NewHandler builds the registry's HTTP handler. singleAgentSlug may be
// empty (multi-agent mode only).
func NewHandler(reg *Registry, singleAgentSlug string) *Handler {
	return &Handler{
		reg:             reg,
		singleAgentSlug: singleAgentSlug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts the registry surface on a chi router:
//
//	POST /deploy
//	GET  /session            (single-agent mode, or ?slug=<s>)
//	GET  /{slug}/            (HTML shell)
//	GET  /{slug}/client.js
//	GET  /{slug}/session
func (h *Handler) Routes(r chi.Router, deployAuth func(http.Handler) http.Handler) {
	if deployAuth != nil {
		r.With(deployAuth).Post("/deploy", h.HandleDeploy)
	} else {
		r.Post("/deploy", h.HandleDeploy)
	}
	r.Get("/session", h.HandleSession)
	r.Get("/{slug}/", h.HandleShell)
	r.Get("/{slug}/client.js", h.HandleClientJS)
	r.Get("/{slug}/session", h.HandleSession)
}

// HandleDeploy is POST /deploy: {slug, env, worker, client}.
func (h *Handler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("deploy-handler")
	requestID := middleware.GetReqID(r.Context())

	var input DeployInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		log.Warn().Str("request_id", requestID).Err(err).Msg("invalid deploy body")
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := h.reg.Deploy(input); err != nil {
		log.Warn().Str("request_id", requestID).Str("slug", input.Slug).Err(err).Msg("deploy rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Info().Str("request_id", requestID).Str("slug", input.Slug).Msg("deploy accepted")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// HandleShell serves the minimal HTML page that loads a slug's bundled
// client.
func (h *Handler) HandleShell(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := h.reg.store.LoadManifest(slug); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<div id="app"></div>
<script src="/%s/client.js"></script>
</body>
</html>
`, slug, slug)
}

// HandleClientJS serves a slug's bundled client source.
func (h *Handler) HandleClientJS(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	data, err := h.reg.store.ClientJS(slug)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = w.Write(data)
}

// HandleSession upgrades the WebSocket and hands it to the slug's worker.
// Slug resolution order: path segment, ?slug= query, single-agent default.
// An unknown slug still upgrades, then closes with CloseUnknownSlug so the
// browser sees a distinguishable close code rather than a failed
// handshake.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("session-handler")

	slug := chi.URLParam(r, "slug")
	if slug == "" {
		slug = r.URL.Query().Get("slug")
	}
	if slug == "" {
		slug = h.singleAgentSlug
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	worker, werr := h.reg.WorkerFor(slug)
	if werr != nil {
		log.Warn().Str("slug", slug).Err(werr).Msg("no worker for slug, closing")
		msg := websocket.FormatCloseMessage(CloseUnknownSlug, "unknown slug")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go h.runSession(slug, worker, conn)
}

// runSession drives one session on its own goroutine. Panics on the
// driver goroutine are recovered inside Session.Run (logged, session
// closed) and do not invalidate the worker. A panic that reaches this
// function (from NewSession or from the session's teardown) is logged and
// the worker is invalidated so the next request rebuilds it from the bundle.
func (h *Handler) runSession(slug string, w *worker, conn *websocket.Conn) {
	log := logger.WithComponent("session-handler")
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("slug", slug).Interface("panic", rec).Msg("worker crashed, restarting on next request")
			h.reg.invalidate(slug)
			_ = conn.Close()
		}
	}()

	session := orchestrator.NewSession(conn, w.agent, w.deps)
	session.Run()
}
