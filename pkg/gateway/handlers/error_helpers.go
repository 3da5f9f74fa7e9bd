package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	reqID := requestIDFromContext(r.Context())
	env, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "request_id", reqID, "path", r.URL.Path, "error", err)
	}
	apierror.Write(w, status, env)
}

// writeMessage writes a failure envelope carrying only a message.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	apierror.Write(w, status, &apierror.Envelope{
		Message:   message,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeMessage(w, r, http.StatusMethodNotAllowed, "Method not allowed")
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
