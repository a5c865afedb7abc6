// Package events defines the payloads published to downstream collaborators.
package events

import "time"

// EnrollmentChanged is emitted whenever a ledger record is created or transitioned.
// It is partitioned by activity so per-activity ordering holds for consumers.
type EnrollmentChanged struct {
	EnrollmentID string    `json:"enrollment_id"`
	UserID       string    `json:"user_id"`
	ActivityID   string    `json:"activity_id"`
	Status       string    `json:"status"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// PointsAward is emitted on completion for the points system to apply.
type PointsAward struct {
	UserID     string    `json:"user_id"`
	ActivityID string    `json:"activity_id"`
	Points     int       `json:"points"`
	AwardedAt  time.Time `json:"awarded_at"`
}
