package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-relay/pkg/gateway/live/demux"
	"github.com/vango-go/intake-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/intake-relay/pkg/gateway/live/upstream"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("live outbound backpressure")

// UpstreamDialer opens Gemini Live connections for a relay.
type UpstreamDialer interface {
	HasAPIKey() bool
	Dial(ctx context.Context) (*upstream.Conn, error)
}

type Config struct {
	MaxMessageBytes   int64
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int
	DefaultModel      string
	Voice             string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Upstream  UpstreamDialer
	SessionID string
	RequestID string
	Config    Config
}

// Relay bridges one browser socket to at most one upstream connection.
type Relay struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	dialer    UpstreamDialer
	demuxer   *demux.Demuxer
	sessionID string
	requestID string
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	upMu     sync.Mutex
	upstream *upstream.Conn
	model    string

	disconnected   atomic.Bool
	disconnectOnce sync.Once
	bg             sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if strings.TrimSpace(deps.Config.DefaultModel) == "" {
		deps.Config.DefaultModel = upstream.DefaultModel
	}

	logger := deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID)
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		conn:             deps.Conn,
		logger:           logger,
		dialer:           deps.Upstream,
		demuxer:          demux.New(logger),
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

// Run reads browser frames until the browser leaves or the relay is
// disconnected. Relay failures are reported to the browser, never returned.
func (r *Relay) Run() error {
	defer r.bg.Wait()
	defer r.Disconnect("browser disconnected")

	if r.cfg.MaxMessageBytes > 0 {
		r.conn.SetReadLimit(r.cfg.MaxMessageBytes)
	}
	if r.cfg.ReadTimeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		r.conn.SetPongHandler(func(string) error {
			return r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go r.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       r.conn,
			ctx:      r.ctx,
			cfg:      r.cfg,
			priority: r.outboundPriority,
			normal:   r.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	waitWriter := func() {
		wait := 250 * time.Millisecond
		if r.cfg.WriteTimeout > 0 && r.cfg.WriteTimeout < wait {
			wait = r.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	for {
		select {
		case <-r.ctx.Done():
			waitWriter()
			return nil
		case err, ok := <-writerErrCh:
			if ok && err != nil {
				r.disconnected.Store(true)
				r.logger.Warn("browser write failed", "error", err)
			}
			return nil
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				r.disconnected.Store(true)
				if !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					r.logger.Debug("browser read ended", "error", frame.err)
				}
				r.Disconnect("browser disconnected")
				waitWriter()
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				continue
			}
			r.route(frame.data)
		}
	}
}

// Disconnect stops the relay. It is idempotent and safe from any goroutine.
func (r *Relay) Disconnect(reason string) {
	if r == nil {
		return
	}
	r.disconnectOnce.Do(func() {
		r.disconnected.Store(true)
		r.logger.Debug("relay disconnect", "reason", reason)

		r.upMu.Lock()
		up := r.upstream
		r.upMu.Unlock()
		if up != nil {
			r.bg.Add(1)
			go func() {
				defer r.bg.Done()
				if err := up.Close(); err != nil {
					r.logger.Debug("upstream close failed", "error", err)
				}
			}()
		}
		if r.cancel != nil {
			r.cancel()
		}
	})
}

func (r *Relay) Cancel() {
	if r == nil || r.cancel == nil {
		return
	}
	r.Disconnect("canceled")
}

// SendWarning tells the browser the server is going away. It bypasses the
// normal queue so it is not stuck behind audio.
func (r *Relay) SendWarning(errorType, message string) error {
	if r == nil || r.disconnected.Load() {
		return nil
	}
	payload, err := json.Marshal(protocol.ServerError{Type: protocol.EventError, Message: message, ErrorType: errorType})
	if err != nil {
		return err
	}
	return r.enqueuePriority(outboundFrame{payload: payload})
}

// Model is the model recorded by the latest setup message.
func (r *Relay) Model() string {
	r.upMu.Lock()
	defer r.upMu.Unlock()
	return r.model
}

// safeSend is the only path to the browser. After the first failure, or once
// disconnected, it drops events silently. A full queue ends the relay: the
// browser gets a priority error and a close instead of a silent gap.
func (r *Relay) safeSend(event any) {
	if r.disconnected.Load() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("failed to encode browser event", "error", err)
		return
	}
	err = r.enqueueNormal(outboundFrame{payload: payload})
	if err == nil {
		return
	}
	if !r.disconnected.CompareAndSwap(false, true) {
		return
	}
	if errors.Is(err, errBackpressure) {
		r.logger.Warn("browser too slow, closing relay", "queue_size", cap(r.outboundNormal))
		r.notifySlowClient()
		r.Disconnect("browser backpressure")
		return
	}
	r.logger.Warn("failed to send to browser", "error", err)
}

func (r *Relay) notifySlowClient() {
	payload, err := json.Marshal(protocol.ServerError{
		Type:      protocol.EventError,
		Message:   protocol.SlowClientMessage,
		ErrorType: protocol.ErrorTypeRateLimited,
	})
	if err != nil {
		return
	}
	if err := r.enqueuePriority(outboundFrame{payload: payload}); err != nil {
		r.logger.Debug("slow client notice dropped", "error", err)
	}
}

func (r *Relay) enqueueNormal(frame outboundFrame) error {
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	default:
	}
	select {
	case r.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case r.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-r.outboundPriority:
		default:
		}
	}
	select {
	case r.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-r.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-r.ctx.Done():
			return
		}
	}
}
