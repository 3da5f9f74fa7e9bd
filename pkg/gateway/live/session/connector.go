package session

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-relay/pkg/gateway/live/demux"
	"github.com/vango-go/intake-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/intake-relay/pkg/gateway/live/upstream"
)

func (r *Relay) currentUpstream() *upstream.Conn {
	r.upMu.Lock()
	defer r.upMu.Unlock()
	return r.upstream
}

// ensureConnected dials when there is no Open upstream. Failures are reported
// to the browser and leave the previous upstream reference in place. It
// returns false when the failure was already reported, so the caller must not
// report it again.
func (r *Relay) ensureConnected() bool {
	if up := r.currentUpstream(); up != nil && up.State() == upstream.StateOpen {
		return true
	}
	if !r.dialer.HasAPIKey() {
		r.logger.Warn("gemini api key missing")
		r.safeSend(protocol.NewError(upstream.ErrMissingAPIKey.Error()))
		return false
	}

	conn, err := r.dialer.Dial(r.ctx)
	if err != nil {
		r.logger.Warn("gemini connection failed", "error", err)
		r.safeSend(protocol.NewErrorf("Failed to connect to Gemini: %s", err.Error()))
		return false
	}

	r.upMu.Lock()
	if r.disconnected.Load() {
		r.upMu.Unlock()
		_ = conn.Close()
		return false
	}
	prev := r.upstream
	r.upstream = conn
	r.bg.Add(1)
	r.upMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	r.logger.Info("gemini connected")
	go r.pump(conn)
	return true
}

func (r *Relay) sendSetup(msg protocol.ClientSetup) {
	up := r.currentUpstream()
	if up == nil {
		r.safeSend(protocol.NewError("Gemini connection not established"))
		return
	}
	setup := upstream.SetupMessage(upstream.SetupParams{
		Model:        r.Model(),
		Instructions: msg.Instructions,
		Voice:        r.cfg.Voice,
	})
	if err := up.Send(setup); err != nil {
		r.logger.Warn("gemini setup send failed", "error", err)
		r.safeSend(protocol.NewErrorf("Failed to send setup: %s", err.Error()))
	}
}

// forward sends one realtime input frame. An empty absentMessage means a
// missing upstream is ignored silently.
func (r *Relay) forward(msg upstream.ClientMessage, absentMessage, failureFormat string) {
	up := r.currentUpstream()
	if up == nil {
		if absentMessage != "" {
			r.safeSend(protocol.NewError(absentMessage))
		}
		return
	}
	if err := up.Send(msg); err != nil {
		r.safeSend(protocol.NewErrorf(failureFormat, err.Error()))
	}
}

// pump is the single reader of one upstream connection.
func (r *Relay) pump(conn *upstream.Conn) {
	defer r.bg.Done()
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if !r.isCurrent(conn) || r.disconnected.Load() || errors.Is(err, upstream.ErrNotOpen) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.logger.Info("gemini closed the connection")
				return
			}
			r.logger.Warn("gemini message pump failed", "error", err)
			r.safeSend(demux.ClassifyPumpError(err))
			r.Disconnect("upstream lost")
			return
		}

		out := r.demuxer.Process(raw)
		if out.Quota {
			r.logger.Warn("gemini quota exceeded")
			for _, ev := range out.Events {
				r.safeSend(ev)
			}
			r.Disconnect("quota exceeded")
			return
		}
		if out.Err != nil {
			r.logger.Debug("failed to parse gemini message", "error", out.Err)
			continue
		}
		for _, ev := range out.Events {
			r.safeSend(ev)
		}
	}
}

func (r *Relay) isCurrent(conn *upstream.Conn) bool {
	r.upMu.Lock()
	defer r.upMu.Unlock()
	return r.upstream == conn
}
