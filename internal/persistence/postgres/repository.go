package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nice2MU/RiseForGood/internal/domain"
	"github.com/Nice2MU/RiseForGood/internal/events"
)

// Repository provides Postgres-backed persistence for the enrollment ledger, the
// capacity counter, and the outbox rows recorded alongside each transition.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `enrollment_id, user_id, activity_id, status, created_at, updated_at`

func scanRecord(row pgx.Row) (*domain.Record, error) {
	var record domain.Record
	if err := row.Scan(&record.ID, &record.UserID, &record.ActivityID, &record.Status, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return nil, err
	}
	return &record, nil
}

// Find returns the ledger record for (userID, activityID), or nil when absent.
func (r *Repository) Find(ctx context.Context, userID, activityID string) (*domain.Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM enrollments WHERE user_id=$1 AND activity_id=$2`

	record, err := scanRecord(r.pool.QueryRow(ctx, query, userID, activityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// CreateActive inserts a fresh active record and the matching outbox event in one
// transaction. The unique (user_id, activity_id) constraint maps to ErrDuplicateKey.
func (r *Repository) CreateActive(ctx context.Context, userID, activityID string) (*domain.Record, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO enrollments (enrollment_id, user_id, activity_id, status, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, 'active', NOW(), NOW())
        RETURNING ` + recordColumns

	record, err := scanRecord(tx.QueryRow(ctx, insert, userID, activityID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateKey
		}
		return nil, err
	}

	if err := insertOutbox(ctx, tx, enrollmentChangedEvent, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// Transition atomically moves the record between statuses using the stored status as the
// optimistic guard, recording the lifecycle event in the same transaction.
func (r *Repository) Transition(ctx context.Context, userID, activityID string, from, to domain.Status) (*domain.Record, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const update = `UPDATE enrollments SET status=$4, updated_at=NOW()
        WHERE user_id=$1 AND activity_id=$2 AND status=$3
        RETURNING ` + recordColumns

	record, err := scanRecord(tx.QueryRow(ctx, update, userID, activityID, from, to))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		// Distinguish a missing row from a concurrent status change.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM enrollments WHERE user_id=$1 AND activity_id=$2)`, userID, activityID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, domain.ErrRecordNotFound
		}
		return nil, domain.ErrStaleState
	}

	if err := insertOutbox(ctx, tx, enrollmentChangedEvent, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// ListActiveByUser returns the user's active enrollments newest first with cursor pagination.
func (r *Repository) ListActiveByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Record, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + recordColumns + ` FROM enrollments WHERE user_id=$1 AND status='active'`

	if cursor != nil {
		query += ` AND (created_at, activity_id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ActivityID)
	}

	query += ` ORDER BY created_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Record, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ActivityID: last.ActivityID}
	}
	return results, next, nil
}

// ListByActivity returns the activity's enrollments, optionally filtered by status.
func (r *Repository) ListByActivity(ctx context.Context, activityID string, filter *domain.Status) ([]domain.Record, error) {
	args := []interface{}{activityID}
	query := `SELECT ` + recordColumns + ` FROM enrollments WHERE activity_id=$1`
	if filter != nil {
		query += ` AND status=$2`
		args = append(args, *filter)
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *record)
	}
	return results, rows.Err()
}

// CountByUserStatus counts the user's enrollments in the given status.
func (r *Repository) CountByUserStatus(ctx context.Context, userID string, status domain.Status) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM enrollments WHERE user_id=$1 AND status=$2`, userID, status).Scan(&count)
	return count, err
}

// TryReserve performs the admission check and increment as a single conditional UPDATE.
// The row-level lock on the activity row is the serialization point; no application lock
// is held across activities.
func (r *Repository) TryReserve(ctx context.Context, activityID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE activities SET occupancy = occupancy + 1, updated_at = NOW()
          WHERE activity_id=$1 AND occupancy < capacity`, activityID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM activities WHERE activity_id=$1)`, activityID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrActivityNotFound
	}
	return false, nil
}

// Release decrements occupancy, floored at zero.
func (r *Repository) Release(ctx context.Context, activityID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE activities SET occupancy = GREATEST(occupancy - 1, 0), updated_at = NOW()
          WHERE activity_id=$1`, activityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// Usage returns the occupancy/capacity snapshot for display.
func (r *Repository) Usage(ctx context.Context, activityID string) (*domain.Usage, error) {
	usage := domain.Usage{ActivityID: activityID}
	err := r.pool.QueryRow(ctx, `SELECT occupancy, capacity FROM activities WHERE activity_id=$1`, activityID).
		Scan(&usage.Occupancy, &usage.Capacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrActivityNotFound
		}
		return nil, err
	}
	return &usage, nil
}

// SetCapacity upserts the activity's capacity, leaving occupancy untouched.
func (r *Repository) SetCapacity(ctx context.Context, activityID string, capacity int) (*domain.Usage, error) {
	usage := domain.Usage{ActivityID: activityID}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO activities (activity_id, capacity, occupancy, created_at, updated_at)
          VALUES ($1, $2, 0, NOW(), NOW())
          ON CONFLICT (activity_id) DO UPDATE SET capacity = EXCLUDED.capacity, updated_at = NOW()
          RETURNING occupancy, capacity`, activityID, capacity).
		Scan(&usage.Occupancy, &usage.Capacity)
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// PointsFor returns the accrued balance written by the points consumer.
func (r *Repository) PointsFor(ctx context.Context, userID string) (int, error) {
	var points int
	err := r.pool.QueryRow(ctx, `SELECT points FROM user_points WHERE user_id=$1`, userID).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return points, nil
}

// RecomputeOccupancy rewrites cached occupancy from ledger counts. Each repair is applied
// with the previously observed value as guard so a legitimate concurrent reserve between
// the audit read and the repair write is never clobbered.
func (r *Repository) RecomputeOccupancy(ctx context.Context) ([]domain.Drift, error) {
	const audit = `SELECT a.activity_id, a.occupancy, COUNT(e.enrollment_id) FILTER (WHERE e.status = 'active') AS actual
        FROM activities a
        LEFT JOIN enrollments e ON e.activity_id = a.activity_id
        GROUP BY a.activity_id, a.occupancy
        HAVING a.occupancy <> COUNT(e.enrollment_id) FILTER (WHERE e.status = 'active')
        ORDER BY a.activity_id`

	rows, err := r.pool.Query(ctx, audit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drifts := make([]domain.Drift, 0)
	for rows.Next() {
		var drift domain.Drift
		if err := rows.Scan(&drift.ActivityID, &drift.Cached, &drift.Actual); err != nil {
			return nil, err
		}
		drifts = append(drifts, drift)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	repaired := drifts[:0]
	for _, drift := range drifts {
		tag, err := r.pool.Exec(ctx,
			`UPDATE activities SET occupancy = (
                SELECT COUNT(*) FROM enrollments e WHERE e.activity_id = activities.activity_id AND e.status = 'active'
              ), updated_at = NOW()
              WHERE activity_id=$1 AND occupancy=$2`, drift.ActivityID, drift.Cached)
		if err != nil {
			return repaired, err
		}
		if tag.RowsAffected() == 1 {
			repaired = append(repaired, drift)
		}
	}
	return repaired, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const enrollmentChangedEvent = "enrollment.changed"

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, record *domain.Record) error {
	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	body, err := json.Marshal(events.EnrollmentChanged{
		EnrollmentID: record.ID,
		UserID:       record.UserID,
		ActivityID:   record.ActivityID,
		Status:       string(record.Status),
		OccurredAt:   record.UpdatedAt,
	})
	if err != nil {
		return err
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", record.ID, record.Status, record.UpdatedAt.UnixNano())

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"enrollment",
		record.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		record.ActivityID,
		body,
		dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	"enrollment.changed": {
		Topic:         "enrollment_events",
		SchemaSubject: "enrollment_events-value",
	},
	"points.award": {
		Topic:         "points_awards",
		SchemaSubject: "points_awards-value",
	},
}

// Notifier publishes points awards through the outbox in its own transaction, after the
// completed transition has committed. The controller treats a failure here as best effort.
type Notifier struct {
	pool *pgxpool.Pool
}

// NewNotifier constructs a Notifier.
func NewNotifier(pool *pgxpool.Pool) *Notifier {
	return &Notifier{pool: pool}
}

// Award records a points.award outbox event for the dispatcher to deliver.
func (n *Notifier) Award(ctx context.Context, userID, activityID string, points int) error {
	meta := eventCatalog["points.award"]

	body, err := json.Marshal(events.PointsAward{
		UserID:     userID,
		ActivityID: activityID,
		Points:     points,
		AwardedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	dedupeKey := fmt.Sprintf("%s:%s:points.award", userID, activityID)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = n.pool.Exec(ctx, stmt,
		"enrollment",
		fmt.Sprintf("%s:%s", userID, activityID),
		"points.award",
		meta.Topic,
		meta.SchemaSubject,
		userID,
		body,
		dedupeKey,
	)
	return err
}
