package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxflame/voxgate/pkg/gateway/config"
	"github.com/voxflame/voxgate/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
	// CheckTimeout bounds the dependency checks. Defaults to 2s.
	CheckTimeout time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK         bool     `json:"ok"`
		CollabMode string   `json:"collab_mode"`
		Corrector  string   `json:"corrector"`
		Journal    string   `json:"journal"`
		Sessions   int      `json:"sessions"`
		Issues     []string `json:"issues,omitempty"`
	}

	timeout := h.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	issues := h.Lifecycle.Issues(ctx)
	sessions := 0
	if h.Sessions != nil {
		sessions = h.Sessions.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:         ok,
		CollabMode: string(h.Config.CollabMode),
		Corrector:  string(h.Config.Corrector),
		Journal:    string(h.Config.Journal),
		Sessions:   sessions,
		Issues:     issues,
	})
}
