// Package domain defines the enrollment ledger, the capacity controller, and
// the state machine governing a user's claim on an activity slot.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrActivityNotFound is returned when the referenced activity does not exist.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrNotEnrolled is returned when an operation requires an active enrollment and none exists.
	ErrNotEnrolled = errors.New("user is not enrolled in activity")
	// ErrAlreadyEnrolled is returned when the user already holds an active enrollment.
	ErrAlreadyEnrolled = errors.New("user is already enrolled in activity")
	// ErrNotEnoughCapacity is returned when admission is denied because the activity is full.
	ErrNotEnoughCapacity = errors.New("activity has no remaining capacity")
	// ErrInvalidTransition is returned when the enrollment state machine forbids the requested move.
	ErrInvalidTransition = errors.New("enrollment state does not permit this transition")

	// ErrDuplicateKey is returned by ledger stores when a record already exists for (user, activity).
	ErrDuplicateKey = errors.New("enrollment record already exists")
	// ErrRecordNotFound is returned by ledger stores when no record exists for (user, activity).
	ErrRecordNotFound = errors.New("enrollment record not found")
	// ErrStaleState is returned by ledger stores when the stored status no longer matches the
	// expected transition source.
	ErrStaleState = errors.New("enrollment status changed concurrently")
)

// Status is the enrollment lifecycle state. Records are never deleted; cancellation and
// completion are status transitions so history survives for stats and points.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the three lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Record is a single row of the enrollment ledger, keyed by (UserID, ActivityID).
// Re-enrollment reuses the row, so CreatedAt marks the first successful enrollment.
type Record struct {
	ID         string
	UserID     string
	ActivityID string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Usage is the capacity snapshot exposed to activity listings.
type Usage struct {
	ActivityID string
	Occupancy  int
	Capacity   int
}

// Cursor models the pagination token for enrollment listings.
type Cursor struct {
	CreatedAt  time.Time
	ActivityID string
}

// Ledger captures durable, uniquely-keyed storage of enrollment records.
type Ledger interface {
	// Find returns the record for (userID, activityID), or nil when absent.
	Find(ctx context.Context, userID, activityID string) (*Record, error)
	// CreateActive inserts a fresh active record. It fails with ErrDuplicateKey when any
	// record already exists for the key, regardless of status.
	CreateActive(ctx context.Context, userID, activityID string) (*Record, error)
	// Transition atomically moves the record from one status to another. It fails with
	// ErrRecordNotFound when no record exists and ErrStaleState when the stored status
	// does not equal from.
	Transition(ctx context.Context, userID, activityID string, from, to Status) (*Record, error)
	// ListActiveByUser returns the user's active enrollments, newest first.
	ListActiveByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Record, *Cursor, error)
	// ListByActivity returns enrollments for an activity, optionally filtered by status.
	ListByActivity(ctx context.Context, activityID string, filter *Status) ([]Record, error)
	// CountByUserStatus counts the user's enrollments in the given status.
	CountByUserStatus(ctx context.Context, userID string, status Status) (int, error)
}

// CapacityStore maintains the cached occupancy projection. Occupancy is mutated only through
// TryReserve and Release; no other code path may touch the counter.
type CapacityStore interface {
	// TryReserve atomically checks occupancy < capacity and increments on success. A denied
	// reservation leaves the counter untouched. Fails with ErrActivityNotFound when the
	// activity is unknown.
	TryReserve(ctx context.Context, activityID string) (bool, error)
	// Release atomically decrements occupancy, floored at zero.
	Release(ctx context.Context, activityID string) error
	// Usage returns the current occupancy/capacity pair.
	Usage(ctx context.Context, activityID string) (*Usage, error)
	// SetCapacity upserts the activity's capacity. Shrinking below current occupancy is
	// accepted; further admissions stay blocked until occupancy drops.
	SetCapacity(ctx context.Context, activityID string, capacity int) (*Usage, error)
}

// PointsNotifier is the boundary to the points system, invoked on completion. Delivery is
// best effort: a failed award is logged and never rolls back the completed transition.
type PointsNotifier interface {
	Award(ctx context.Context, userID, activityID string, points int) error
}
