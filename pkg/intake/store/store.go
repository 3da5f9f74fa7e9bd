// Package store persists appointments and their attachments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/intake-relay/pkg/intake/appointment"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// CreateAppointment assigns ID and timestamps on a.
	CreateAppointment(ctx context.Context, a *appointment.Appointment) error
	// GetAppointment returns the appointment with its attachments, newest first.
	GetAppointment(ctx context.Context, id int64) (*appointment.Appointment, error)
	// ListAppointments returns every appointment, newest first, with attachments.
	ListAppointments(ctx context.Context) ([]*appointment.Appointment, error)
	// CreateAttachment returns ErrNotFound when the appointment is missing.
	CreateAttachment(ctx context.Context, att *appointment.Attachment) error
	ListAttachments(ctx context.Context, appointmentID int64) ([]appointment.Attachment, error)
	Ping(ctx context.Context) error
	Close() error
}

// RetryPolicy bounds WithRetry. Zero values fall back to DefaultRetryPolicy.
type RetryPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries uint64
}

var DefaultRetryPolicy = RetryPolicy{
	Base:       50 * time.Millisecond,
	Cap:        time.Second,
	MaxRetries: 3,
}

func (p RetryPolicy) backoff() retry.Backoff {
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	if p.Cap <= 0 {
		p.Cap = DefaultRetryPolicy.Cap
	}
	b := retry.NewExponential(p.Base)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// WithRetry runs fn until it succeeds, returns a permanent error, or the
// policy is exhausted. Only transient database errors are retried.
func WithRetry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// IsTransient reports whether a database error is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Nothing reached the server, so a fresh connection attempt is safe.
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P03":
			return true
		}
		// Class 08: connection exceptions.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	return pgconn.SafeToRetry(err)
}
