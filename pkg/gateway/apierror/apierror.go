// Package apierror maps domain errors onto the intake JSON envelope.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/intake-relay/pkg/intake/appointment"
	"github.com/vango-go/intake-relay/pkg/intake/media"
	"github.com/vango-go/intake-relay/pkg/intake/store"
)

const (
	MsgValidationFailed = "Validation failed"
	MsgInternal         = "Internal server error"
)

// Envelope is the response shape shared by every intake JSON endpoint.
type Envelope struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	Data      any               `json:"data,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	Error     string            `json:"error,omitempty"`
	Count     *int              `json:"count,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func FromError(err error, requestID string) (*Envelope, int) {
	if err == nil {
		return &Envelope{Success: true, RequestID: requestID}, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Envelope{Message: "Request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Envelope{Message: "Request cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}

	var verr *appointment.ValidationError
	if errors.As(err, &verr) && verr != nil {
		return &Envelope{
			Message:   MsgValidationFailed,
			Errors:    verr.Fields,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	var uerr *media.UploadError
	if errors.As(err, &uerr) && uerr != nil {
		return &Envelope{Message: uerr.Message, RequestID: requestID}, http.StatusBadRequest
	}

	if errors.Is(err, store.ErrNotFound) {
		return &Envelope{Message: "Not found", RequestID: requestID}, http.StatusNotFound
	}

	// Unknown errors: do not leak details.
	return &Envelope{Message: MsgInternal, RequestID: requestID}, http.StatusInternalServerError
}

func Write(w http.ResponseWriter, status int, env *Envelope) {
	WriteJSON(w, status, env)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
