package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/intake/appointment"
	"github.com/vango-go/intake-relay/pkg/intake/media"
	"github.com/vango-go/intake-relay/pkg/intake/store"
)

const msgAppointmentNotFound = "Appointment not found"

// AppointmentsHandler serves the appointment and attachment REST endpoints.
type AppointmentsHandler struct {
	Store          store.Store
	Media          media.Storage
	Logger         *slog.Logger
	MaxBodyBytes   int64
	UploadMaxBytes int64

	// Now is overridable for tests.
	Now func() time.Time
}

func (h AppointmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListAppointments(r.Context())
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	for _, a := range list {
		h.resolveURLs(a.Attachments)
	}
	count := len(list)
	apierror.Write(w, http.StatusOK, &apierror.Envelope{
		Success: true,
		Message: fmt.Sprintf("Retrieved %d appointments", count),
		Data:    list,
		Count:   &count,
	})
}

func (h AppointmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.MaxBodyBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeMessage(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, r, h.Logger, err)
		return
	}

	a, err := appointment.Decode(body)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if err := h.Store.CreateAppointment(r.Context(), a); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("appointment created", "appointment_id", a.ID, "request_id", requestIDFromContext(r.Context()))
	}
	apierror.Write(w, http.StatusCreated, &apierror.Envelope{
		Success: true,
		Message: "Appointment created successfully",
		Data:    a,
	})
}

func (h AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
		return
	}
	a, err := h.Store.GetAppointment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
		return
	}
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	h.resolveURLs(a.Attachments)
	apierror.Write(w, http.StatusOK, &apierror.Envelope{
		Success: true,
		Message: "Appointment retrieved successfully",
		Data:    a,
	})
}

func (h AppointmentsHandler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
		return
	}
	list, err := h.Store.ListAttachments(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
		return
	}
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	h.resolveURLs(list)
	apierror.Write(w, http.StatusOK, &apierror.Envelope{Success: true, Data: list})
}

type attachmentCreated struct {
	Success bool `json:"success"`
	appointment.Attachment
}

func (h AppointmentsHandler) CreateAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
		return
	}
	// Check first so a bad id never leaves an orphaned object behind.
	if _, err := h.Store.GetAppointment(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
			return
		}
		writeError(w, r, h.Logger, err)
		return
	}

	up, err := readUpload(w, r, h.UploadMaxBytes)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	defer up.file.Close()

	key := media.AttachmentKey(up.filename, h.now())
	obj, err := h.Media.Save(r.Context(), key, up.contentType, up.file, up.size)
	if err != nil {
		writeError(w, r, h.Logger, fmt.Errorf("save attachment: %w", err))
		return
	}

	att := &appointment.Attachment{
		AppointmentID: id,
		ObjectKey:     obj.Key,
		OriginalName:  up.filename,
		ContentType:   up.contentType,
		SizeBytes:     obj.Size,
	}
	if err := h.Store.CreateAttachment(r.Context(), att); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMessage(w, r, http.StatusNotFound, msgAppointmentNotFound)
			return
		}
		writeError(w, r, h.Logger, err)
		return
	}
	att.URL = obj.URL
	apierror.WriteJSON(w, http.StatusCreated, attachmentCreated{Success: true, Attachment: *att})
}

func (h AppointmentsHandler) resolveURLs(list []appointment.Attachment) {
	if h.Media == nil {
		return
	}
	for i := range list {
		if list[i].URL == "" && list[i].ObjectKey != "" {
			list[i].URL = h.Media.URL(list[i].ObjectKey)
		}
	}
}

func (h AppointmentsHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func appointmentID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	return io.ReadAll(r.Body)
}
