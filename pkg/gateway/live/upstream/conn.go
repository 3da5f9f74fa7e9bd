// Package upstream is the websocket client for the Gemini Live bidirectional
// endpoint used by the voice relay.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

var (
	ErrMissingAPIKey = errors.New("GEMINI_API_KEY missing")
	ErrNotOpen       = errors.New("upstream connection not open")
)

type Config struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	CloseTimeout     time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 32 << 20
	}
	return c
}

type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg.withDefaults(), logger: logger}
}

// HasAPIKey reports whether a dial can be attempted at all.
func (d *Dialer) HasAPIKey() bool {
	return d != nil && strings.TrimSpace(d.cfg.APIKey) != ""
}

// Dial opens one upstream connection. The returned Conn is Open.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	if !d.HasAPIKey() {
		return nil, ErrMissingAPIKey
	}
	wsURL, err := buildURL(d.cfg.URL, d.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	c := &Conn{cfg: d.cfg, logger: d.logger, closed: make(chan struct{}), readDone: make(chan struct{})}
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateClosed)
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}

	c.conn = conn
	conn.SetReadLimit(d.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.PingInterval + d.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.PingInterval + d.cfg.PongTimeout))
	})
	c.setState(StateOpen)
	go c.pingLoop()
	return c, nil
}

// Conn is safe for one reader and many writers.
type Conn struct {
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	state   atomic.Int32
	reading atomic.Bool
	writeMu sync.Mutex

	closeOnce    sync.Once
	closed       chan struct{}
	readDoneOnce sync.Once
	readDone     chan struct{}
}

func (c *Conn) State() State {
	if c == nil {
		return StateClosed
	}
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("upstream state", "from", prev.String(), "to", s.String())
	}
}

// Send writes one client message as a JSON text frame.
func (c *Conn) Send(msg ClientMessage) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadFrame blocks for the next server frame. Text and binary frames both
// carry JSON. Any error is terminal and moves the connection to Closed.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.reading.Store(true)
	_, data, err := c.conn.ReadMessage()
	c.reading.Store(false)
	if err != nil {
		c.setState(StateClosed)
		c.readDoneOnce.Do(func() { close(c.readDone) })
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure && c.closing() {
			return nil, ErrNotOpen
		}
		return nil, err
	}
	return data, nil
}

// Close sends a close frame and, when a read is in flight, waits up to
// CloseTimeout for the reader to observe the peer's close before dropping the
// socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.State() == StateOpen {
			c.setState(StateClosing)
			c.writeMu.Lock()
			err = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.CloseTimeout))
			c.writeMu.Unlock()
			if err == nil && c.reading.Load() {
				select {
				case <-c.readDone:
				case <-time.After(c.cfg.CloseTimeout):
				}
			}
		}
		if closeErr := c.conn.Close(); err == nil {
			err = closeErr
		}
		c.setState(StateClosed)
		c.readDoneOnce.Do(func() { close(c.readDone) })
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Conn) closing() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("upstream ping failed", "error", err)
				return
			}
		}
	}
}

func buildURL(base, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set("key", strings.TrimSpace(apiKey))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
