package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/pkg/metrics"
)

const uniqueViolation = "23505"

const callColumns = `room_id, doctor_id, patient_id, scheduled_at, duration_minutes,
		       status, ended_at, created_at, updated_at`

// CallRepository persists video call records in CockroachDB
type CallRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics // optional
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool, m *metrics.Metrics) *CallRepository {
	return &CallRepository{pool: pool, metrics: m}
}

// EnsureSchema creates the video_calls table and its lookup indexes
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS video_calls (
			room_id          TEXT PRIMARY KEY,
			doctor_id        TEXT NOT NULL,
			patient_id       TEXT NOT NULL,
			scheduled_at     TIMESTAMPTZ NOT NULL,
			duration_minutes INT NOT NULL CHECK (duration_minutes > 0),
			status           TEXT NOT NULL DEFAULT 'scheduled'
			                 CHECK (status IN ('scheduled', 'ongoing', 'completed')),
			ended_at         TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_video_calls_doctor ON video_calls (doctor_id, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_video_calls_patient ON video_calls (patient_id, scheduled_at)`,
	}

	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure video_calls schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) (err error) {
	defer r.observe("insert", time.Now(), &err)

	query := `
		INSERT INTO video_calls (
			room_id, doctor_id, patient_id, scheduled_at, duration_minutes,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.pool.Exec(ctx, query,
		call.RoomID,
		call.DoctorID,
		call.PatientID,
		call.ScheduledAt,
		call.Duration,
		call.Status,
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrCallExists
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByRoomID retrieves a call by its room identifier
func (r *CallRepository) GetByRoomID(ctx context.Context, roomID string) (call *domain.Call, err error) {
	defer r.observe("select", time.Now(), &err)

	query := `SELECT ` + callColumns + ` FROM video_calls WHERE room_id = $1`

	call, err = scanCall(r.pool.QueryRow(ctx, query, roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// MarkOngoing moves a scheduled call to ongoing. It reports false when the
// call was not in the scheduled state, so concurrent joins transition once.
func (r *CallRepository) MarkOngoing(ctx context.Context, roomID string, at time.Time) (ok bool, err error) {
	defer r.observe("update", time.Now(), &err)

	query := `
		UPDATE video_calls
		SET status = 'ongoing', updated_at = $2
		WHERE room_id = $1 AND status = 'scheduled'
	`

	tag, err := r.pool.Exec(ctx, query, roomID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark call ongoing: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Complete marks the call completed with endedAt unless it already is. It
// returns the stored record and whether this call performed the transition.
func (r *CallRepository) Complete(ctx context.Context, roomID string, endedAt time.Time) (call *domain.Call, transitioned bool, err error) {
	defer r.observe("update", time.Now(), &err)

	query := `
		UPDATE video_calls
		SET status = 'completed', ended_at = $2, updated_at = $2
		WHERE room_id = $1 AND status <> 'completed'
		RETURNING ` + callColumns

	call, err = scanCall(r.pool.QueryRow(ctx, query, roomID, endedAt))
	if err == nil {
		return call, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to complete call: %w", err)
	}

	// Nothing updated: either already completed or missing
	call, err = r.GetByRoomID(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	return call, false, nil
}

// GetUpcoming lists a user's scheduled or ongoing calls at or after from,
// earliest first
func (r *CallRepository) GetUpcoming(ctx context.Context, userID string, from time.Time) (calls []*domain.Call, err error) {
	defer r.observe("select", time.Now(), &err)

	query := `SELECT ` + callColumns + `
		FROM video_calls
		WHERE (doctor_id = $1 OR patient_id = $1)
		  AND status IN ('scheduled', 'ongoing')
		  AND scheduled_at >= $2
		ORDER BY scheduled_at ASC
	`

	rows, err := r.pool.Query(ctx, query, userID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get upcoming calls: %w", err)
	}
	defer rows.Close()

	calls = []*domain.Call{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return calls, nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	var status string
	err := row.Scan(
		&call.RoomID,
		&call.DoctorID,
		&call.PatientID,
		&call.ScheduledAt,
		&call.Duration,
		&status,
		&call.EndedAt,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	call.Status = domain.CallStatus(status)
	return call, nil
}

func (r *CallRepository) observe(operation string, start time.Time, err *error) {
	if r.metrics == nil {
		return
	}
	var queryErr error
	if err != nil && *err != nil && !errors.Is(*err, domain.ErrCallNotFound) {
		queryErr = *err
	}
	r.metrics.RecordDBQuery(operation, "video_calls", time.Since(start), queryErr)
}
