package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type MediaDriver string

const (
	MediaDriverLocal MediaDriver = "local"
	MediaDriverS3    MediaDriver = "s3"
)

type Config struct {
	Addr string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	CORSAllowedOrigins map[string]struct{} // empty => same-origin only

	// Gemini Live upstream.
	GeminiAPIKey           string
	GeminiWSURL            string
	GeminiModel            string
	GeminiVoice            string
	GeminiHandshakeTimeout time.Duration
	GeminiPingInterval     time.Duration
	GeminiPongTimeout      time.Duration
	GeminiCloseTimeout     time.Duration
	GeminiMaxMessageBytes  int64

	// Browser voice socket (/ws/voice/).
	WSMaxMessageBytes         int64
	WSPingInterval            time.Duration
	WSWriteTimeout            time.Duration
	WSReadTimeout             time.Duration
	WSMaxSessionsPerPrincipal int
	WSOutboundQueueSize       int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Storage. Empty URLs select the in-memory drivers.
	DatabaseURL    string
	DBMigrate      bool
	RedisURL       string
	ChecklistTTL   time.Duration
	UploadMaxBytes int64
	MediaDriver    MediaDriver
	MediaDir       string
	MediaURL       string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKeyID  string
	S3SecretKey    string
	S3PathStyle    bool

	LogLevel  string
	LogFormat string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("INTAKE_ADDR", ":8080"),
		TrustProxyHeaders:          envBoolOr("INTAKE_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("INTAKE_MAX_BODY_BYTES", 1<<20),
		CORSAllowedOrigins:         make(map[string]struct{}),
		GeminiAPIKey:               strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiWSURL:                envOr("INTAKE_GEMINI_WS_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"),
		GeminiModel:                envOr("INTAKE_GEMINI_MODEL", "models/gemini-2.5-flash-preview-native-audio-dialog"),
		GeminiVoice:                envOr("INTAKE_GEMINI_VOICE", "Puck"),
		GeminiHandshakeTimeout:     envDurationOr("INTAKE_GEMINI_HANDSHAKE_TIMEOUT", 10*time.Second),
		GeminiPingInterval:         envDurationOr("INTAKE_GEMINI_PING_INTERVAL", 30*time.Second),
		GeminiPongTimeout:          envDurationOr("INTAKE_GEMINI_PONG_TIMEOUT", 10*time.Second),
		GeminiCloseTimeout:         envDurationOr("INTAKE_GEMINI_CLOSE_TIMEOUT", 10*time.Second),
		GeminiMaxMessageBytes:      envInt64Or("INTAKE_GEMINI_MAX_MESSAGE_BYTES", 32<<20),
		WSMaxMessageBytes:          envInt64Or("INTAKE_WS_MAX_MESSAGE_BYTES", 4<<20),
		WSPingInterval:             envDurationOr("INTAKE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:             envDurationOr("INTAKE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:              envDurationOr("INTAKE_WS_READ_TIMEOUT", 0),
		WSMaxSessionsPerPrincipal:  envIntOr("INTAKE_WS_MAX_SESSIONS_PER_PRINCIPAL", 4),
		WSOutboundQueueSize:        envIntOr("INTAKE_WS_OUTBOUND_QUEUE", 256),
		LimitRPS:                   envFloat64Or("INTAKE_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("INTAKE_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("INTAKE_MAX_CONCURRENT_REQUESTS", 20),
		DatabaseURL:                envOr("INTAKE_DATABASE_URL", ""),
		DBMigrate:                  envBoolOr("INTAKE_DB_MIGRATE", true),
		RedisURL:                   envOr("INTAKE_REDIS_URL", ""),
		ChecklistTTL:               envDurationOr("INTAKE_CHECKLIST_TTL", 24*time.Hour),
		UploadMaxBytes:             envInt64Or("INTAKE_UPLOAD_MAX_BYTES", 10<<20),
		MediaDriver:                MediaDriver(strings.ToLower(envOr("INTAKE_MEDIA_DRIVER", string(MediaDriverLocal)))),
		MediaDir:                   envOr("INTAKE_MEDIA_DIR", "./media"),
		MediaURL:                   envOr("INTAKE_MEDIA_URL", "/media/"),
		S3Bucket:                   envOr("INTAKE_S3_BUCKET", ""),
		S3Region:                   envOr("INTAKE_S3_REGION", ""),
		S3Endpoint:                 envOr("INTAKE_S3_ENDPOINT", ""),
		S3AccessKeyID:              envOr("INTAKE_S3_ACCESS_KEY_ID", ""),
		S3SecretKey:                envOr("INTAKE_S3_SECRET_ACCESS_KEY", ""),
		S3PathStyle:                envBoolOr("INTAKE_S3_PATH_STYLE", false),
		LogLevel:                   strings.ToLower(envOr("INTAKE_LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(envOr("INTAKE_LOG_FORMAT", "text")),
		ReadHeaderTimeout:          envDurationOr("INTAKE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("INTAKE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("INTAKE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("INTAKE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("INTAKE_MAX_BODY_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.GeminiWSURL) == "" {
		return Config{}, fmt.Errorf("INTAKE_GEMINI_WS_URL must not be empty")
	}
	if cfg.GeminiHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_GEMINI_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.GeminiPingInterval <= 0 {
		return Config{}, fmt.Errorf("INTAKE_GEMINI_PING_INTERVAL must be > 0")
	}
	if cfg.GeminiPongTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_GEMINI_PONG_TIMEOUT must be > 0")
	}
	if cfg.GeminiCloseTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_GEMINI_CLOSE_TIMEOUT must be > 0")
	}
	if cfg.GeminiMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("INTAKE_GEMINI_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_READ_TIMEOUT must be >= 0")
	}
	// Only pongs extend the browser read deadline.
	if cfg.WSReadTimeout > 0 && cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("INTAKE_WS_READ_TIMEOUT must be greater than INTAKE_WS_PING_INTERVAL")
	}
	if cfg.WSMaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.WSOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("INTAKE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("INTAKE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("INTAKE_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ChecklistTTL <= 0 {
		return Config{}, fmt.Errorf("INTAKE_CHECKLIST_TTL must be > 0")
	}
	if cfg.UploadMaxBytes <= 0 {
		return Config{}, fmt.Errorf("INTAKE_UPLOAD_MAX_BYTES must be > 0")
	}
	switch cfg.MediaDriver {
	case MediaDriverLocal:
		if strings.TrimSpace(cfg.MediaDir) == "" {
			return Config{}, fmt.Errorf("INTAKE_MEDIA_DIR must not be empty when INTAKE_MEDIA_DRIVER=local")
		}
	case MediaDriverS3:
		if cfg.S3Bucket == "" {
			return Config{}, fmt.Errorf("INTAKE_S3_BUCKET must be set when INTAKE_MEDIA_DRIVER=s3")
		}
		if cfg.S3Region == "" {
			return Config{}, fmt.Errorf("INTAKE_S3_REGION must be set when INTAKE_MEDIA_DRIVER=s3")
		}
		if (cfg.S3AccessKeyID == "") != (cfg.S3SecretKey == "") {
			return Config{}, fmt.Errorf("INTAKE_S3_ACCESS_KEY_ID and INTAKE_S3_SECRET_ACCESS_KEY must be set together")
		}
	default:
		return Config{}, fmt.Errorf("INTAKE_MEDIA_DRIVER must be one of local|s3")
	}
	if !strings.HasSuffix(cfg.MediaURL, "/") {
		cfg.MediaURL += "/"
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("INTAKE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("INTAKE_LOG_FORMAT must be one of text|json")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("INTAKE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
