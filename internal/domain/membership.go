package domain

import (
	"context"
	"fmt"
)

// PointsReader exposes the accrued points balance written by the points consumer.
type PointsReader interface {
	PointsFor(ctx context.Context, userID string) (int, error)
}

// Membership answers read-only enrollment questions for the chat gate and
// "my activities" views. It never mutates ledger or counter state.
type Membership struct {
	ledger Ledger
	points PointsReader
}

// NewMembership constructs a Membership service.
func NewMembership(ledger Ledger, points PointsReader) *Membership {
	return &Membership{ledger: ledger, points: points}
}

// IsActiveMember reports whether the user currently holds an active enrollment.
// Chat send access is gated on this predicate; cancelled and completed
// enrollments do not grant it.
func (m *Membership) IsActiveMember(ctx context.Context, userID, activityID string) (bool, error) {
	record, err := m.ledger.Find(ctx, userID, activityID)
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return record != nil && record.Status == StatusActive, nil
}

// ListActiveActivitiesForUser returns the user's active enrollments, newest first.
func (m *Membership) ListActiveActivitiesForUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Record, *Cursor, error) {
	return m.ledger.ListActiveByUser(ctx, userID, cursor, limit)
}

// VolunteerStats summarises a user's participation history.
type VolunteerStats struct {
	UserID              string
	Points              int
	Level               int
	NextLevelPoints     int
	CompletedActivities int
}

// Stats computes the user's points, level, and completed-activity count. Levels advance
// every CompletionPoints points.
func (m *Membership) Stats(ctx context.Context, userID string) (*VolunteerStats, error) {
	points, err := m.points.PointsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("points lookup: %w", err)
	}
	completed, err := m.ledger.CountByUserStatus(ctx, userID, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("completed count: %w", err)
	}

	level := points/CompletionPoints + 1
	return &VolunteerStats{
		UserID:              userID,
		Points:              points,
		Level:               level,
		NextLevelPoints:     level * CompletionPoints,
		CompletedActivities: completed,
	}, nil
}
