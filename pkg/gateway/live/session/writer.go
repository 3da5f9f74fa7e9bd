package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultBrowserPingInterval = 20 * time.Second
	defaultBrowserWriteTimeout = 5 * time.Second

	shutdownFlushBudget    = 100 * time.Millisecond
	shutdownFlushMaxFrames = 32
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
}

// outboundWriter owns every write to the browser socket. Priority frames
// (errors, shutdown notices) always go out before queued transcript text.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame

	writeTimeout time.Duration
	// held is a normal frame taken off its queue but not yet written; it is
	// sent only after the priority queue has been checked again.
	held *outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	w.writeTimeout = w.cfg.WriteTimeout
	if w.writeTimeout <= 0 {
		w.writeTimeout = defaultBrowserWriteTimeout
	}
	pingEvery := w.cfg.PingInterval
	if pingEvery <= 0 {
		pingEvery = defaultBrowserPingInterval
	}
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		if isDone(done) {
			w.shutdown()
			return nil
		}

		if frame, ok := tryRecv(&w.priority); ok {
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		}
		if w.held != nil {
			frame := *w.held
			w.held = nil
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		}
		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			w.held = &frame
		}
	}
}

// shutdown flushes what is already queued within a short budget, then sends a
// normal close frame. Order is priority, then the held frame, then normal.
func (w *outboundWriter) shutdown() {
	budget := min(shutdownFlushBudget, w.writeTimeout)
	deadline := time.Now().Add(budget)
	written := 0
	canWrite := func() bool {
		return written < shutdownFlushMaxFrames && time.Now().Before(deadline)
	}

	flush := func(ch *<-chan outboundFrame) bool {
		for canWrite() {
			frame, ok := tryRecv(ch)
			if !ok {
				return true
			}
			if w.write(frame) != nil {
				return false
			}
			written++
		}
		return true
	}

	ok := flush(&w.priority)
	if ok && w.held != nil {
		ok = w.write(*w.held) == nil
		w.held = nil
		written++
	}
	if ok {
		flush(&w.normal)
	}

	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) write(frame outboundFrame) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}

// tryRecv takes a frame without blocking. A closed channel is set to nil so
// later selects skip it.
func tryRecv(ch *<-chan outboundFrame) (outboundFrame, bool) {
	if *ch == nil {
		return outboundFrame{}, false
	}
	select {
	case frame, ok := <-*ch:
		if !ok {
			*ch = nil
		}
		return frame, ok
	default:
		return outboundFrame{}, false
	}
}

func isDone(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}
