// Package ingress accepts client websocket connections on /v1/live and wires
// each one to a turn coordinator.
package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxflame/voxgate/pkg/gateway/config"
	"github.com/voxflame/voxgate/pkg/gateway/lifecycle"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
	"github.com/voxflame/voxgate/pkg/gateway/live/sessions"
	"github.com/voxflame/voxgate/pkg/gateway/live/turn"
	"github.com/voxflame/voxgate/pkg/gateway/metrics"
	"github.com/voxflame/voxgate/pkg/gateway/mw"
)

// StatusDraining is returned to new connections while the gateway shuts down.
const StatusDraining = 529

// Handler handles /v1/live websocket sessions.
type Handler struct {
	Config    config.Config
	Turn      turn.Config
	Registry  *sessions.Registry
	Router    *router.Router
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Journal   turn.Journal

	// NewSessionID overrides Config.SessionIDPolicy.
	NewSessionID func(r *http.Request) string
	// NewRequestID is passed to each coordinator; nil means uuid.
	NewRequestID func() string
	Now          func() time.Time
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteError(w, r, http.StatusMethodNotAllowed, &mw.APIError{
			Type:    mw.ErrTypeInvalidRequest,
			Message: "method not allowed",
			Code:    "method_not_allowed",
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteError(w, r, StatusDraining, &mw.APIError{
			Type:    mw.ErrTypeOverloaded,
			Message: "gateway is draining",
			Code:    "draining",
		})
		return
	}
	if !h.originAllowed(r) {
		mw.WriteError(w, r, http.StatusForbidden, &mw.APIError{
			Type:    mw.ErrTypePermission,
			Message: "origin is not allowed",
			Param:   "Origin",
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if h.Config.LiveMaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.LiveMaxMessageBytes)
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := h.sessionID(r)
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger = logger.With("session_id", sessionID, "request_id", reqID)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := newConnection(connectionDeps{
		id:      sessionID,
		ws:      ws,
		cfg:     h.Config,
		router:  h.Router,
		logger:  logger,
		metrics: h.Metrics,
		now:     h.Now,
	})

	var unregister func()
	coord, err := turn.New(turn.Dependencies{
		SessionID: sessionID,
		Router:    h.Router,
		Logger:    logger,
		Metrics:   h.Metrics,
		Journal:   h.Journal,
		Config:    h.Turn,
		// Bound to this connection so a replaced session's teardown frames
		// never reach the socket that replaced it.
		Display: c.display,
		Unregister: func() {
			if unregister != nil {
				unregister()
			}
		},
		NewRequestID: h.NewRequestID,
		Now:          h.Now,
	})
	if err != nil {
		logger.Error("failed to initialize live session", "error", err)
		c.writeErrorNow("failed to initialize live session")
		return
	}
	c.coord = coord

	prev, hadPrev := h.Registry.Lookup(sessionID)
	unregister = h.Registry.Register(sessionID, sessions.Handle{
		Display: c.display,
		Deliver: coord.Deliver,
		Cancel:  cancel,
	})
	defer unregister()
	if hadPrev && prev.Cancel != nil {
		logger.Warn("replacing live session with the same id")
		prev.Cancel()
	}

	detach, err := h.Router.Attach(ctx, sessionID)
	if err != nil {
		logger.Error("failed to attach collaborators", "error", err)
		c.writeErrorNow("collaborators unavailable")
		return
	}
	defer detach()

	logger.Info("live session started", "remote_addr", r.RemoteAddr)
	start := time.Now()
	if err := c.run(ctx); err != nil {
		logger.Warn("live session ended with error", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Info("live session ended", "duration_ms", time.Since(start).Milliseconds())
}

func (h Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h Handler) sessionID(r *http.Request) string {
	if h.NewSessionID != nil {
		if id := strings.TrimSpace(h.NewSessionID(r)); id != "" {
			return id
		}
	}
	if h.Config.SessionIDPolicy == config.SessionIDUUID || strings.TrimSpace(r.RemoteAddr) == "" {
		return "s_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return r.RemoteAddr
}
