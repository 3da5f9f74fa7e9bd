package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/intake-relay/pkg/intake/appointment"
)

// Memory is a process-local Store used when no database is configured.
type Memory struct {
	mu           sync.RWMutex
	now          func() time.Time
	nextApptID   int64
	nextAttachID int64
	appointments map[int64]*appointment.Appointment
	attachments  map[int64][]appointment.Attachment
}

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		appointments: make(map[int64]*appointment.Appointment),
		attachments:  make(map[int64][]appointment.Attachment),
	}
}

func (m *Memory) CreateAppointment(_ context.Context, a *appointment.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextApptID++
	now := m.now().UTC()
	a.ID = m.nextApptID
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Attachments = []appointment.Attachment{}

	stored := *a
	stored.Attachments = nil
	m.appointments[a.ID] = &stored
	return nil
}

func (m *Memory) GetAppointment(_ context.Context, id int64) (*appointment.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withAttachmentsLocked(a), nil
}

func (m *Memory) ListAppointments(_ context.Context) ([]*appointment.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*appointment.Appointment, 0, len(m.appointments))
	for _, a := range m.appointments {
		out = append(out, m.withAttachmentsLocked(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateAttachment(_ context.Context, att *appointment.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.appointments[att.AppointmentID]; !ok {
		return ErrNotFound
	}
	m.nextAttachID++
	att.ID = m.nextAttachID
	att.UploadedAt = m.now().UTC()
	m.attachments[att.AppointmentID] = append(m.attachments[att.AppointmentID], *att)
	return nil
}

func (m *Memory) ListAttachments(_ context.Context, appointmentID int64) ([]appointment.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.appointments[appointmentID]; !ok {
		return nil, ErrNotFound
	}
	return m.attachmentsLocked(appointmentID), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) withAttachmentsLocked(a *appointment.Appointment) *appointment.Appointment {
	cp := *a
	cp.Attachments = m.attachmentsLocked(a.ID)
	return &cp
}

// attachmentsLocked returns a newest-first copy.
func (m *Memory) attachmentsLocked(appointmentID int64) []appointment.Attachment {
	src := m.attachments[appointmentID]
	out := make([]appointment.Attachment, len(src))
	for i := range src {
		out[len(src)-1-i] = src[i]
	}
	return out
}
