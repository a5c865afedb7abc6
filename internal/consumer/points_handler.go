package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nice2MU/RiseForGood/internal/events"
)

// PointsHandler applies points.award events to the user balance. Awards are recorded
// once per (user, activity) pair so redelivered messages never double-credit.
type PointsHandler struct {
	pool *pgxpool.Pool
}

// NewPointsHandler constructs a handler backed by the provided pool.
func NewPointsHandler(pool *pgxpool.Pool) *PointsHandler {
	return &PointsHandler{pool: pool}
}

// Handle credits the award and keeps the event log for auditing. Events other than
// points.award are logged to enrollment_event_log only.
func (h *PointsHandler) Handle(ctx context.Context, msg Message) error {
	tx, err := h.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO enrollment_event_log (event_type, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.EventType,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		msg.Timestamp,
	); err != nil {
		return err
	}

	if msg.EventType == "points.award" {
		if err := h.applyAward(ctx, tx, msg); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (h *PointsHandler) applyAward(ctx context.Context, tx pgx.Tx, msg Message) error {
	var award events.PointsAward
	if err := json.Unmarshal(msg.Payload, &award); err != nil {
		return fmt.Errorf("decode points award: %w", err)
	}
	if award.UserID == "" || award.Points <= 0 {
		return fmt.Errorf("invalid points award: user=%q points=%d", award.UserID, award.Points)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO point_awards (user_id, activity_id, points, awarded_at)
          VALUES ($1,$2,$3,$4)
          ON CONFLICT (user_id, activity_id) DO NOTHING`,
		award.UserID, award.ActivityID, award.Points, award.AwardedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already credited; redelivery or DLQ replay.
		return nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO user_points (user_id, points, updated_at)
          VALUES ($1, $2, NOW())
          ON CONFLICT (user_id) DO UPDATE SET points = user_points.points + EXCLUDED.points, updated_at = NOW()`,
		award.UserID, award.Points)
	return err
}
