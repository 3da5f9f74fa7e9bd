package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/intake-relay/pkg/intake/appointment"
	"github.com/vango-go/intake-relay/pkg/intake/media"
	"github.com/vango-go/intake-relay/pkg/intake/store"
)

func TestFromError_ContextCanceled_Is408(t *testing.T) {
	env, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if env.Success {
		t.Fatalf("success=true")
	}
	if env.RequestID != "req_test" {
		t.Fatalf("request_id=%q", env.RequestID)
	}
}

func TestFromError_Deadline_Is504(t *testing.T) {
	_, status := FromError(fmt.Errorf("query: %w", context.DeadlineExceeded), "")
	if status != 504 {
		t.Fatalf("status=%d", status)
	}
}

func TestFromError_Validation_Is400WithFields(t *testing.T) {
	err := &appointment.ValidationError{Fields: map[string]string{"full_name": "This field is required."}}
	env, status := FromError(err, "req_test")
	if status != 400 {
		t.Fatalf("status=%d", status)
	}
	if env.Message != MsgValidationFailed {
		t.Fatalf("message=%q", env.Message)
	}
	if env.Errors["full_name"] != "This field is required." {
		t.Fatalf("errors=%v", env.Errors)
	}
}

func TestFromError_Upload_Is400(t *testing.T) {
	env, status := FromError(&media.UploadError{Message: media.MsgUnsupportedType}, "")
	if status != 400 || env.Message != media.MsgUnsupportedType {
		t.Fatalf("status=%d message=%q", status, env.Message)
	}
}

func TestFromError_NotFound_Is404(t *testing.T) {
	_, status := FromError(fmt.Errorf("get: %w", store.ErrNotFound), "")
	if status != 404 {
		t.Fatalf("status=%d", status)
	}
}

func TestFromError_UnknownDoesNotLeak(t *testing.T) {
	env, status := FromError(errors.New("pq: password authentication failed"), "")
	if status != 500 {
		t.Fatalf("status=%d", status)
	}
	if env.Message != MsgInternal || env.Error != "" {
		t.Fatalf("env=%+v", env)
	}
}

func TestWrite_EnvelopeShape(t *testing.T) {
	rr := httptest.NewRecorder()
	count := 0
	Write(rr, 200, &Envelope{Success: true, Message: "Retrieved 0 appointments", Data: []any{}, Count: &count})

	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type=%q", ct)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["success"] != true || got["count"] != float64(0) {
		t.Fatalf("body=%v", got)
	}
	if _, ok := got["data"]; !ok {
		t.Fatalf("data missing: %v", got)
	}
	if _, ok := got["errors"]; ok {
		t.Fatalf("errors should be omitted: %v", got)
	}
}
