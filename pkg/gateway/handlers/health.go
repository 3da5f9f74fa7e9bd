package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-relay/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by the appointment store and the checklist store.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyPingTimeout = 2 * time.Second

type ReadyHandler struct {
	Config       config.Config
	Lifecycle    *lifecycle.Lifecycle
	Store        Pinger
	Checklist    Pinger
	LiveSessions *sessions.Tracker
}

type readyResp struct {
	OK               bool     `json:"ok"`
	Store            string   `json:"store"`
	Checklist        string   `json:"checklist"`
	ActiveSessions   int      `json:"active_sessions"`
	GeminiConfigured bool     `json:"gemini_configured"`
	Issues           []string `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	issues := make([]string, 0, 4)

	if h.Lifecycle.IsDraining() {
		issues = append(issues, "draining")
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
	defer cancel()

	storeStatus := pingStatus(ctx, h.Store)
	if storeStatus != "ok" {
		issues = append(issues, "store "+storeStatus)
	}
	checklistStatus := pingStatus(ctx, h.Checklist)
	if checklistStatus != "ok" {
		issues = append(issues, "checklist "+checklistStatus)
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	active := 0
	if h.LiveSessions != nil {
		active = h.LiveSessions.Count()
	}

	apierror.WriteJSON(w, status, readyResp{
		OK:               ok,
		Store:            storeStatus,
		Checklist:        checklistStatus,
		ActiveSessions:   active,
		GeminiConfigured: h.Config.GeminiAPIKey != "",
		Issues:           issues,
	})
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "missing"
	}
	if err := p.Ping(ctx); err != nil {
		return "unavailable"
	}
	return "ok"
}
