// Package demux classifies raw upstream Live frames into browser events.
//
// Process is pure: it never touches a connection. The session pump sends the
// returned events in order and acts on Outcome.Quota.
package demux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vango-go/intake-relay/pkg/gateway/live/fieldextract"
	"github.com/vango-go/intake-relay/pkg/gateway/live/protocol"
)

const (
	OutputSampleRate = 16000
	OutputChannels   = 1
	AudioQuality     = "high"
)

var ErrMalformedFrame = errors.New("malformed upstream frame")

// Outcome is the result of classifying one upstream frame.
type Outcome struct {
	Events []any
	// Quota is set when the frame signals quota exhaustion. Events then holds
	// only the quota error and the session must close.
	Quota bool
	// Err is set when the frame could not be parsed. The frame is dropped.
	Err error
}

type object map[string]json.RawMessage

// PartsStrategy locates the content parts in one upstream message shape.
type PartsStrategy struct {
	Name    string
	Extract func(msg object) []json.RawMessage
}

// DefaultStrategies are tried in order; the first non-empty result wins.
var DefaultStrategies = []PartsStrategy{
	{Name: "server_content", Extract: serverContentParts},
	{Name: "parts", Extract: directParts},
	{Name: "candidates", Extract: candidateParts},
}

type Demuxer struct {
	strategies []PartsStrategy
	logger     *slog.Logger
}

func New(logger *slog.Logger, strategies ...PartsStrategy) *Demuxer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{strategies: strategies, logger: logger}
}

// Process classifies one frame with the default strategies.
func Process(raw []byte) Outcome {
	return New(nil).Process(raw)
}

func (d *Demuxer) Process(raw []byte) Outcome {
	if containsQuota(raw) {
		return Outcome{Events: []any{protocol.NewQuotaError()}, Quota: true}
	}

	var msg object
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Outcome{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	if msg == nil {
		return Outcome{Err: fmt.Errorf("%w: not an object", ErrMalformedFrame)}
	}

	var events []any
	for _, rawPart := range d.parts(msg) {
		part := asObject(rawPart)
		if part == nil {
			continue
		}
		events = append(events, d.handlePart(part)...)
	}

	server := asObject(firstPresent(msg, "serverContent", "server_content"))
	if decodeBool(firstPresent(server, "turnComplete", "turn_complete")) {
		events = append(events, protocol.NewTurnComplete())
	}
	return Outcome{Events: events}
}

// ClassifyPumpError maps a terminal upstream read error to the browser event
// the session reports before closing.
func ClassifyPumpError(err error) any {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "quota") {
		return protocol.NewQuotaError()
	}
	return protocol.NewErrorf("Connection lost: %s", err.Error())
}

func (d *Demuxer) parts(msg object) []json.RawMessage {
	for _, s := range d.strategies {
		if parts := s.Extract(msg); len(parts) > 0 {
			return parts
		}
	}
	return nil
}

func (d *Demuxer) handlePart(part object) []any {
	if call := asObject(firstPresent(part, "functionCall", "function_call")); len(call) > 0 {
		name := decodeRawString(call["name"])
		if name != fieldextract.FunctionName {
			d.logger.Debug("ignoring upstream function call", "name", name)
			return nil
		}
		return protocol.FunctionCallEvents(name, argumentsJSON(call["args"]))
	}

	if exec := asObject(firstPresent(part, "executableCode", "executable_code")); len(exec) > 0 {
		return d.handleExecutableCode(decodeRawString(exec["code"]))
	}

	if text := decodeRawString(part["text"]); strings.TrimSpace(text) != "" {
		return []any{protocol.NewText(text)}
	}

	if inline := asObject(firstPresent(part, "inlineData", "inline_data")); len(inline) > 0 {
		mime := decodeRawString(firstPresent(inline, "mimeType", "mime_type"))
		if strings.HasPrefix(mime, "audio/") {
			return []any{protocol.ServerAudio{
				Type:       protocol.EventAudio,
				MimeType:   mime,
				Data:       decodeRawString(inline["data"]),
				Quality:    AudioQuality,
				SampleRate: OutputSampleRate,
				Channels:   OutputChannels,
			}}
		}
	}
	return nil
}

func (d *Demuxer) handleExecutableCode(code string) []any {
	assignments, err := fieldextract.Extract(code)
	if err != nil {
		d.logger.Warn("executable code rejected", "error", err, "code_bytes", len(code))
		return []any{protocol.NewSystemMessage(fieldextract.FailureMessage)}
	}
	if len(assignments) == 0 {
		d.logger.Debug("executable code without field saves", "code_bytes", len(code))
		return []any{protocol.NewSystemMessage(fieldextract.CorrectiveHint)}
	}
	events := make([]any, 0, len(assignments)*3)
	for _, a := range assignments {
		events = append(events, protocol.FunctionCallEvents(fieldextract.FunctionName, a.ArgumentsJSON())...)
	}
	d.logger.Debug("executable code field saves", "count", len(assignments))
	return events
}

func serverContentParts(msg object) []json.RawMessage {
	server := asObject(firstPresent(msg, "serverContent", "server_content"))
	turn := asObject(firstPresent(server, "modelTurn", "model_turn"))
	return asArray(turn["parts"])
}

func directParts(msg object) []json.RawMessage {
	return asArray(msg["parts"])
}

func candidateParts(msg object) []json.RawMessage {
	candidates := asArray(msg["candidates"])
	if len(candidates) == 0 {
		return nil
	}
	content := asObject(asObject(candidates[0])["content"])
	return asArray(content["parts"])
}

// argumentsJSON re-encodes call arguments compactly, keeping key order.
func argumentsJSON(raw json.RawMessage) string {
	if asObject(raw) == nil {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "{}"
	}
	return buf.String()
}

func containsQuota(raw []byte) bool {
	return bytes.Contains(bytes.ToLower(raw), []byte("quota"))
}

// firstPresent returns the first key whose value is not empty, null or false,
// mirroring how the two upstream casings are treated as alternatives.
func firstPresent(m object, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := m[k]; ok && !isFalsy(v) {
			return v
		}
	}
	return nil
}

func isFalsy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "{}", "[]", `""`, "0":
		return true
	}
	return false
}

func asObject(raw json.RawMessage) object {
	if len(raw) == 0 {
		return nil
	}
	var out object
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func asArray(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decodeRawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out
}

func decodeBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}
