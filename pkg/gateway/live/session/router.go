package session

import (
	"errors"
	"strings"

	"github.com/vango-go/intake-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/intake-relay/pkg/gateway/live/upstream"
)

// route handles one browser text frame. Frames that do not decode are dropped.
func (r *Relay) route(data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownType) {
			r.logger.Debug("dropping browser frame", "error", err)
		}
		return
	}

	switch m := msg.(type) {
	case protocol.ClientSetup:
		model := strings.TrimSpace(m.Model)
		if model == "" {
			model = r.cfg.DefaultModel
		}
		r.upMu.Lock()
		r.model = model
		r.upMu.Unlock()
		if !r.ensureConnected() {
			return
		}
		r.sendSetup(m)
	case protocol.ClientAudio:
		if m.Data == "" {
			return
		}
		r.forward(upstream.AudioMessage(m.Data, m.MimeType), "Gemini connection not available for audio", "Failed to send audio chunk: %s")
	case protocol.ClientText:
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return
		}
		r.forward(upstream.TextMessage(text), "Gemini connection not available for text", "Failed to send text input: %s")
	case protocol.ClientTurnComplete:
		r.forward(upstream.InputCompleteMessage(), "", "Failed to send turn complete: %s")
	}
}
