package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-relay/pkg/gateway/live/session"
	"github.com/vango-go/intake-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-relay/pkg/gateway/mw"
	"github.com/vango-go/intake-relay/pkg/gateway/principal"
	"github.com/vango-go/intake-relay/pkg/gateway/ratelimit"
)

// statusDraining is the non-standard "site is overloaded" status used while
// the process shuts down.
const statusDraining = 529

// VoiceHandler upgrades /ws/voice/ and runs one relay per socket.
type VoiceHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Upstream     session.UpstreamDialer
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeMessage(w, r, statusDraining, "Server is draining")
		return
	}
	if !mw.OriginAllowed(h.Config, r) {
		writeMessage(w, r, http.StatusForbidden, "Origin is not allowed")
		return
	}

	if h.Limiter != nil && h.Config.WSMaxSessionsPerPrincipal > 0 {
		p := principal.Resolve(r, h.Config)
		dec := h.Limiter.AcquireWSSession(p.Key, time.Now())
		if !dec.Allowed {
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeMessage(w, r, http.StatusTooManyRequests, "Too many active voice sessions")
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	reqID := requestIDFromContext(r.Context())
	relay, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Upstream:  h.Upstream,
		SessionID: sessionID,
		RequestID: reqID,
		Config: session.Config{
			MaxMessageBytes:   h.Config.WSMaxMessageBytes,
			PingInterval:      h.Config.WSPingInterval,
			WriteTimeout:      h.Config.WSWriteTimeout,
			ReadTimeout:       h.Config.WSReadTimeout,
			OutboundQueueSize: h.Config.WSOutboundQueueSize,
			DefaultModel:      h.Config.GeminiModel,
			Voice:             h.Config.GeminiVoice,
		},
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("failed to initialize voice session", "request_id", reqID, "error", err)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"),
			time.Now().Add(2*time.Second))
		return
	}

	unregister := h.LiveSessions.Register(sessionID, sessions.Handle{
		Cancel: relay.Cancel,
		Warn:   relay.SendWarning,
	})
	defer unregister()

	if h.Logger != nil {
		h.Logger.Info("voice session started", "session_id", sessionID, "request_id", reqID)
	}
	start := time.Now()
	if err := relay.Run(); err != nil && h.Logger != nil {
		h.Logger.Warn("voice session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
	if h.Logger != nil {
		h.Logger.Info("voice session ended", "session_id", sessionID, "duration_ms", time.Since(start).Milliseconds())
	}
}
