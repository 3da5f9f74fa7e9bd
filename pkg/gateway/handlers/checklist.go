package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/intake/checklist"
)

const SessionCookieName = "intake_session"

// ChecklistHandler exposes the per-browser intake checklist.
type ChecklistHandler struct {
	States       checklist.StateStore
	Logger       *slog.Logger
	MaxBodyBytes int64
	SecureCookie bool
}

type checklistResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message,omitempty"`
	Checklist []checklist.Section `json:"checklist"`
}

func (h ChecklistHandler) Get(w http.ResponseWriter, r *http.Request) {
	sid := h.sessionID(w, r)
	st, err := h.States.Get(r.Context(), sid)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, checklistResponse{Success: true, Checklist: st.Checklist})
}

// Update merges the posted fields into the session and re-evaluates it.
func (h ChecklistHandler) Update(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.MaxBodyBytes)
	if err != nil {
		writeInvalidJSON(w, r)
		return
	}
	var req struct {
		Fields map[string]any `json:"fields"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeInvalidJSON(w, r)
		return
	}

	sid := h.sessionID(w, r)
	st, err := h.States.Get(r.Context(), sid)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	st = st.Merge(req.Fields)
	if err := h.States.Put(r.Context(), sid, st); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, checklistResponse{Success: true, Checklist: st.Checklist})
}

// Clear resets the session to the initial checklist.
func (h ChecklistHandler) Clear(w http.ResponseWriter, r *http.Request) {
	sid := h.sessionID(w, r)
	st, err := h.States.Reset(r.Context(), sid)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, checklistResponse{
		Success:   true,
		Message:   "Session cleared successfully",
		Checklist: st.Checklist,
	})
}

// sessionID returns the browser's checklist session, issuing a cookie on
// first use or when the presented value is not a uuid.
func (h ChecklistHandler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

const saveVoiceFlowAction = "save_voice_flow"

// SaveHandler acknowledges the voice flow's final save.
type SaveHandler struct {
	MaxBodyBytes int64
}

func (h SaveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	body, err := readBody(w, r, h.MaxBodyBytes)
	if err != nil {
		writeInvalidJSON(w, r)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			writeInvalidJSON(w, r)
			return
		}
	}
	if req.Action != saveVoiceFlowAction {
		apierror.Write(w, http.StatusBadRequest, &apierror.Envelope{
			Error:     "Invalid action",
			RequestID: requestIDFromContext(r.Context()),
		})
		return
	}
	apierror.Write(w, http.StatusOK, &apierror.Envelope{Success: true, Message: "Details saved successfully."})
}

func writeInvalidJSON(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, http.StatusBadRequest, &apierror.Envelope{
		Error:     "Invalid JSON",
		RequestID: requestIDFromContext(r.Context()),
	})
}
