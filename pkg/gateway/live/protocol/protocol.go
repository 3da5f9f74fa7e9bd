package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound (browser -> relay) message types.
const (
	TypeSetup        = "setup"
	TypeAudio        = "audio"
	TypeText         = "text"
	TypeTurnComplete = "turn_complete"
)

// Outbound (relay -> browser) event types.
const (
	EventError                     = "error"
	EventText                      = "text"
	EventAudio                     = "audio"
	EventTurnComplete              = "turn_complete"
	EventFunctionCallStart         = "response.function_call.start"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventFunctionCallDone          = "response.function_call.done"
	EventSystemMessage             = "system.message"
)

const (
	ErrorTypeQuotaExceeded  = "quota_exceeded"
	ErrorTypeServerShutdown = "server_shutdown"
	ErrorTypeRateLimited    = "rate_limited"

	SlowClientMessage = "Voice session closed: the connection could not keep up."
	QuotaMessage      = "The service is temporarily unavailable due to high demand. Please try again in a few minutes."
)

// ErrUnknownType is returned for well-formed frames whose type the relay does
// not route. Callers ignore these frames.
var ErrUnknownType = errors.New("unknown message type")

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type ClientSetup struct {
	Type         string `json:"type"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ClientAudio carries one base64 PCM chunk. Data is forwarded as-is.
type ClientAudio struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientTurnComplete struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one browser text frame into one of the Client*
// message types.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	// Types match exactly; " setup " is not a setup frame.
	typ := envelope.Type
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSetup:
		var msg ClientSetup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup", "")
		}
		return msg, nil
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio", "")
		}
		return msg, nil
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text", "")
		}
		return msg, nil
	case TypeTurnComplete:
		return ClientTurnComplete{Type: TypeTurnComplete}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

type ServerError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type,omitempty"`
}

type ServerText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAudio struct {
	Type       string `json:"type"`
	MimeType   string `json:"mime_type"`
	Data       string `json:"data"`
	Quality    string `json:"quality"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerFunctionCallStart struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ServerFunctionCallArgumentsDone carries the arguments as a JSON-encoded string.
type ServerFunctionCallArgumentsDone struct {
	Type      string `json:"type"`
	Arguments string `json:"arguments"`
}

type ServerFunctionCallDone struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type ServerSystemMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func NewError(message string) ServerError {
	return ServerError{Type: EventError, Message: message}
}

func NewErrorf(format string, args ...any) ServerError {
	return NewError(fmt.Sprintf(format, args...))
}

func NewQuotaError() ServerError {
	return ServerError{Type: EventError, Message: QuotaMessage, ErrorType: ErrorTypeQuotaExceeded}
}

func NewText(text string) ServerText {
	return ServerText{Type: EventText, Text: text}
}

func NewTurnComplete() ServerTurnComplete {
	return ServerTurnComplete{Type: EventTurnComplete}
}

func NewSystemMessage(content string) ServerSystemMessage {
	return ServerSystemMessage{Type: EventSystemMessage, Content: content}
}

// FunctionCallEvents returns the start/arguments/done triple for one call.
func FunctionCallEvents(name, argumentsJSON string) []any {
	return []any{
		ServerFunctionCallStart{Type: EventFunctionCallStart, Name: name},
		ServerFunctionCallArgumentsDone{Type: EventFunctionCallArgumentsDone, Arguments: argumentsJSON},
		ServerFunctionCallDone{Type: EventFunctionCallDone, Name: name},
	}
}
