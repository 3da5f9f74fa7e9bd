package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/handlers"
	"github.com/vango-go/intake-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-relay/pkg/gateway/live/upstream"
	"github.com/vango-go/intake-relay/pkg/gateway/mw"
	"github.com/vango-go/intake-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/intake-relay/pkg/intake/checklist"
	"github.com/vango-go/intake-relay/pkg/intake/media"
	"github.com/vango-go/intake-relay/pkg/intake/store"
)

// ShutdownErrorType is the error_type browsers see when the process drains.
const ShutdownErrorType = "server_shutdown"

// Backends are the storage dependencies opened by the caller.
type Backends struct {
	Store     store.Store
	Checklist checklist.StateStore
	Media     media.Storage
	Lifecycle *lifecycle.Lifecycle
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	backends     Backends
	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
	upstream     *upstream.Dialer
}

func New(cfg config.Config, logger *slog.Logger, b Backends) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if b.Store == nil {
		b.Store = store.NewMemory()
	}
	if b.Checklist == nil {
		b.Checklist = checklist.NewMemoryStore(cfg.ChecklistTTL)
	}
	if b.Media == nil && cfg.MediaDriver == config.MediaDriverLocal && cfg.MediaDir != "" {
		if local, err := media.NewLocal(cfg.MediaDir, cfg.MediaURL); err == nil {
			b.Media = local
		} else {
			logger.Warn("local media unavailable", "dir", cfg.MediaDir, "error", err)
		}
	}
	lc := b.Lifecycle
	if lc == nil {
		lc = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		backends: b,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		lifecycle:    lc,
		liveSessions: sessions.NewTracker(),
		upstream: upstream.NewDialer(upstream.Config{
			URL:              cfg.GeminiWSURL,
			APIKey:           cfg.GeminiAPIKey,
			HandshakeTimeout: cfg.GeminiHandshakeTimeout,
			PingInterval:     cfg.GeminiPingInterval,
			PongTimeout:      cfg.GeminiPongTimeout,
			CloseTimeout:     cfg.GeminiCloseTimeout,
			MaxMessageBytes:  cfg.GeminiMaxMessageBytes,
		}, logger),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Lifecycle:    s.lifecycle,
		Store:        s.backends.Store,
		Checklist:    s.backends.Checklist,
		LiveSessions: s.liveSessions,
	})

	s.mux.Handle("/ws/voice/{$}", handlers.VoiceHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Upstream:     s.upstream,
	})

	appts := handlers.AppointmentsHandler{
		Store:          s.backends.Store,
		Media:          s.backends.Media,
		Logger:         s.logger,
		MaxBodyBytes:   s.cfg.MaxBodyBytes,
		UploadMaxBytes: s.cfg.UploadMaxBytes,
	}
	s.mux.HandleFunc("GET /api/appointments/{$}", appts.List)
	s.mux.HandleFunc("POST /api/appointments/{$}", appts.Create)
	s.mux.HandleFunc("GET /api/appointments/{id}/{$}", appts.Get)
	s.mux.HandleFunc("GET /api/appointments/{id}/attachments/{$}", appts.ListAttachments)
	s.mux.HandleFunc("POST /api/appointments/{id}/attachments/{$}", appts.CreateAttachment)

	s.mux.Handle("/api/upload/{$}", handlers.UploadHandler{
		Media:             s.backends.Media,
		Logger:            s.logger,
		UploadMaxBytes:    s.cfg.UploadMaxBytes,
		TrustProxyHeaders: s.cfg.TrustProxyHeaders,
	})

	cl := handlers.ChecklistHandler{
		States:       s.backends.Checklist,
		Logger:       s.logger,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	}
	s.mux.HandleFunc("GET /api/checklist/{$}", cl.Get)
	s.mux.HandleFunc("POST /api/checklist/{$}", cl.Update)
	s.mux.HandleFunc("POST /clear-voice-flow-session/{$}", cl.Clear)
	s.mux.Handle("/save/{$}", handlers.SaveHandler{MaxBodyBytes: s.cfg.MaxBodyBytes})

	if prefix, ok := s.localMediaPrefix(); ok {
		s.mux.Handle("GET "+prefix, http.StripPrefix(prefix, noDirListing(http.FileServer(http.Dir(s.cfg.MediaDir)))))
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// localMediaPrefix is the URL path the local media dir is served under, if
// the relay serves media itself.
func (s *Server) localMediaPrefix() (string, bool) {
	if s.cfg.MediaDriver != config.MediaDriverLocal || s.cfg.MediaDir == "" {
		return "", false
	}
	prefix := s.cfg.MediaURL
	if !strings.HasPrefix(prefix, "/") || prefix == "/" {
		return "", false
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix, true
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			handlers.NotFoundHandler{}.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness to 503 and refuses new voice sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lifecycle
}

func (s *Server) LiveSessions() *sessions.Tracker {
	return s.liveSessions
}

// DrainLiveSessions warns every voice session, waits for them to leave until
// ctx ends, then cancels the rest.
func (s *Server) DrainLiveSessions(ctx context.Context) sessions.DrainResult {
	return s.liveSessions.Drain(ctx, ShutdownErrorType, "Server is shutting down")
}
