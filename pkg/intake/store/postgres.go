package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/intake-relay/pkg/intake/appointment"
)

const appointmentColumns = `full_name, dob, gender, contact_number, email, address, preferred_language,
	emergency_contact_name, emergency_contact_phone, relationship_to_patient,
	caller_type, reason_for_visit, visit_type, primary_physician, referral_source,
	symptoms, symptom_duration, pain_level, current_medications, allergies, medical_history, family_history,
	interpreter_need, interpreter_language, accessibility_needs, dietary_needs,
	consent_share_records, preferred_communication_method, appointment_availability`

const attachmentColumns = `id, appointment_id, object_key, original_name, content_type, size_bytes, uploaded_at`

type Postgres struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// OpenPostgres connects, pings with retry, and returns the store. The caller
// owns the returned store and must Close it.
func OpenPostgres(ctx context.Context, databaseURL string, policy RetryPolicy) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("database url is empty")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	p := &Postgres{pool: pool, retry: policy}
	if err := WithRetry(ctx, policy, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return p, nil
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// WithTx runs fn inside a transaction, committing on success.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) CreateAppointment(ctx context.Context, a *appointment.Appointment) error {
	dob, err := time.Parse(appointment.DateLayout, a.DOB)
	if err != nil {
		return fmt.Errorf("dob: %w", err)
	}
	args := []any{
		a.FullName, dob, a.Gender, a.ContactNumber, a.Email, a.Address, a.PreferredLanguage,
		a.EmergencyContactName, a.EmergencyContactPhone, a.RelationshipToPatient,
		a.CallerType, a.ReasonForVisit, a.VisitType, a.PrimaryPhysician, a.ReferralSource,
		a.Symptoms, a.SymptomDuration, a.PainLevel, a.CurrentMedications, a.Allergies, a.MedicalHistory, a.FamilyHistory,
		a.InterpreterNeed, a.InterpreterLanguage, a.AccessibilityNeeds, a.DietaryNeeds,
		a.ConsentShareRecords, a.PreferredCommunicationMethod, a.AppointmentAvailability,
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := `INSERT INTO appointment (` + appointmentColumns + `)
		VALUES (` + strings.Join(placeholders, ", ") + `)
		RETURNING id, created_at, updated_at`

	return WithRetry(ctx, p.retry, func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx, query, args...).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		a.Attachments = []appointment.Attachment{}
		return nil
	})
}

func (p *Postgres) GetAppointment(ctx context.Context, id int64) (*appointment.Appointment, error) {
	var out *appointment.Appointment
	err := WithRetry(ctx, p.retry, func(ctx context.Context) error {
		row := p.pool.QueryRow(ctx, `SELECT id, `+appointmentColumns+`, created_at, updated_at FROM appointment WHERE id = $1`, id)
		a, err := scanAppointment(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select appointment: %w", err)
		}
		atts, err := p.queryAttachments(ctx, `WHERE appointment_id = $1`, id)
		if err != nil {
			return err
		}
		a.Attachments = atts[id]
		if a.Attachments == nil {
			a.Attachments = []appointment.Attachment{}
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListAppointments(ctx context.Context) ([]*appointment.Appointment, error) {
	var out []*appointment.Appointment
	err := WithRetry(ctx, p.retry, func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `SELECT id, `+appointmentColumns+`, created_at, updated_at FROM appointment ORDER BY created_at DESC, id DESC`)
		if err != nil {
			return fmt.Errorf("select appointments: %w", err)
		}
		defer rows.Close()

		list := make([]*appointment.Appointment, 0)
		for rows.Next() {
			a, err := scanAppointment(rows)
			if err != nil {
				return fmt.Errorf("scan appointment: %w", err)
			}
			list = append(list, a)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select appointments: %w", err)
		}
		rows.Close()

		atts, err := p.queryAttachments(ctx, "")
		if err != nil {
			return err
		}
		for _, a := range list {
			a.Attachments = atts[a.ID]
			if a.Attachments == nil {
				a.Attachments = []appointment.Attachment{}
			}
		}
		out = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) CreateAttachment(ctx context.Context, att *appointment.Attachment) error {
	return WithRetry(ctx, p.retry, func(ctx context.Context) error {
		return p.WithTx(ctx, func(tx pgx.Tx) error {
			var id int64
			err := tx.QueryRow(ctx, `SELECT id FROM appointment WHERE id = $1 FOR SHARE`, att.AppointmentID).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("lookup appointment: %w", err)
			}
			err = tx.QueryRow(ctx,
				`INSERT INTO appointment_attachment (appointment_id, object_key, original_name, content_type, size_bytes)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id, uploaded_at`,
				att.AppointmentID, att.ObjectKey, att.OriginalName, att.ContentType, att.SizeBytes,
			).Scan(&att.ID, &att.UploadedAt)
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
			return nil
		})
	})
}

func (p *Postgres) ListAttachments(ctx context.Context, appointmentID int64) ([]appointment.Attachment, error) {
	var out []appointment.Attachment
	err := WithRetry(ctx, p.retry, func(ctx context.Context) error {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointment WHERE id = $1)`, appointmentID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup appointment: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		atts, err := p.queryAttachments(ctx, `WHERE appointment_id = $1`, appointmentID)
		if err != nil {
			return err
		}
		out = atts[appointmentID]
		if out == nil {
			out = []appointment.Attachment{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// queryAttachments groups attachments by appointment id, newest first.
func (p *Postgres) queryAttachments(ctx context.Context, where string, args ...any) (map[int64][]appointment.Attachment, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+attachmentColumns+` FROM appointment_attachment `+where+` ORDER BY uploaded_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("select attachments: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]appointment.Attachment)
	for rows.Next() {
		var att appointment.Attachment
		if err := rows.Scan(&att.ID, &att.AppointmentID, &att.ObjectKey, &att.OriginalName, &att.ContentType, &att.SizeBytes, &att.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out[att.AppointmentID] = append(out[att.AppointmentID], att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select attachments: %w", err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*appointment.Appointment, error) {
	var (
		a   appointment.Appointment
		dob time.Time
	)
	err := row.Scan(
		&a.ID,
		&a.FullName, &dob, &a.Gender, &a.ContactNumber, &a.Email, &a.Address, &a.PreferredLanguage,
		&a.EmergencyContactName, &a.EmergencyContactPhone, &a.RelationshipToPatient,
		&a.CallerType, &a.ReasonForVisit, &a.VisitType, &a.PrimaryPhysician, &a.ReferralSource,
		&a.Symptoms, &a.SymptomDuration, &a.PainLevel, &a.CurrentMedications, &a.Allergies, &a.MedicalHistory, &a.FamilyHistory,
		&a.InterpreterNeed, &a.InterpreterLanguage, &a.AccessibilityNeeds, &a.DietaryNeeds,
		&a.ConsentShareRecords, &a.PreferredCommunicationMethod, &a.AppointmentAvailability,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.DOB = dob.Format(appointment.DateLayout)
	return &a, nil
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
