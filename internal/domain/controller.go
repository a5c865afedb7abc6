package domain

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Nice2MU/RiseForGood/internal/observability"
)

// CompletionPoints is the award granted for finishing an activity. Levels advance every
// ten points, so one completed activity is one level step.
const CompletionPoints = 10

// Controller is the only entry point permitted to mutate both the ledger and the capacity
// counter. It enforces the enrollment state machine and the admission-control invariant.
type Controller struct {
	ledger   Ledger
	capacity CapacityStore
	notifier PointsNotifier
	logger   *log.Logger
}

// ControllerOption configures optional behaviour for the Controller.
type ControllerOption func(*Controller)

// WithLogger overrides the logger used to report best-effort failures.
func WithLogger(logger *log.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController constructs a Controller.
func NewController(ledger Ledger, capacity CapacityStore, notifier PointsNotifier, opts ...ControllerOption) *Controller {
	c := &Controller{
		ledger:   ledger,
		capacity: capacity,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[controller] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enroll admits the user into the activity when a capacity slot is available. First-time
// enrollment creates a ledger row; re-enrollment after cancellation reuses the existing row.
func (c *Controller) Enroll(ctx context.Context, userID, activityID string) (*Record, error) {
	existing, err := c.ledger.Find(ctx, userID, activityID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}

	if existing != nil {
		switch existing.Status {
		case StatusActive:
			observability.RecordAdmission("duplicate")
			return nil, ErrAlreadyEnrolled
		case StatusCompleted:
			observability.RecordAdmission("invalid")
			return nil, ErrInvalidTransition
		}
	}

	granted, err := c.capacity.TryReserve(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if !granted {
		observability.RecordAdmission("denied")
		return nil, ErrNotEnoughCapacity
	}

	var record *Record
	if existing == nil {
		record, err = c.ledger.CreateActive(ctx, userID, activityID)
		if errors.Is(err, ErrDuplicateKey) {
			// A concurrent enroll won between our read and the insert. Give the slot back.
			c.compensate(ctx, activityID)
			observability.RecordAdmission("duplicate")
			return nil, ErrAlreadyEnrolled
		}
	} else {
		record, err = c.ledger.Transition(ctx, userID, activityID, StatusCancelled, StatusActive)
		if errors.Is(err, ErrStaleState) {
			c.compensate(ctx, activityID)
			return nil, c.resolveEnrollConflict(ctx, userID, activityID)
		}
	}
	if err != nil {
		c.compensate(ctx, activityID)
		return nil, fmt.Errorf("ledger write after reservation: %w", err)
	}

	observability.RecordAdmission("granted")
	return record, nil
}

// resolveEnrollConflict re-reads the record after a stale re-enroll transition and maps the
// observed state onto the caller-facing taxonomy.
func (c *Controller) resolveEnrollConflict(ctx context.Context, userID, activityID string) error {
	current, err := c.ledger.Find(ctx, userID, activityID)
	if err != nil || current == nil {
		return ErrInvalidTransition
	}
	if current.Status == StatusActive {
		observability.RecordAdmission("duplicate")
		return ErrAlreadyEnrolled
	}
	observability.RecordAdmission("invalid")
	return ErrInvalidTransition
}

// Cancel withdraws an active enrollment and frees its slot. Cancelling an already-cancelled
// enrollment reports ErrNotEnrolled without touching the counter, so a racing duplicate
// cancel can never release twice.
func (c *Controller) Cancel(ctx context.Context, userID, activityID string) error {
	existing, err := c.ledger.Find(ctx, userID, activityID)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	if existing == nil {
		observability.RecordCancellation("not_enrolled")
		return ErrNotEnrolled
	}

	switch existing.Status {
	case StatusCancelled:
		observability.RecordCancellation("not_enrolled")
		return ErrNotEnrolled
	case StatusCompleted:
		observability.RecordCancellation("invalid")
		return ErrInvalidTransition
	}

	if _, err := c.ledger.Transition(ctx, userID, activityID, StatusActive, StatusCancelled); err != nil {
		if errors.Is(err, ErrStaleState) {
			return c.resolveCancelConflict(ctx, userID, activityID)
		}
		if errors.Is(err, ErrRecordNotFound) {
			observability.RecordCancellation("not_enrolled")
			return ErrNotEnrolled
		}
		return fmt.Errorf("cancel transition: %w", err)
	}

	c.release(ctx, activityID)
	observability.RecordCancellation("ok")
	return nil
}

// resolveCancelConflict handles a cancel that lost a race: the record moved away from active
// between the read and the transition. The late caller never issues a release.
func (c *Controller) resolveCancelConflict(ctx context.Context, userID, activityID string) error {
	current, err := c.ledger.Find(ctx, userID, activityID)
	if err != nil || current == nil {
		observability.RecordCancellation("not_enrolled")
		return ErrNotEnrolled
	}
	if current.Status == StatusCancelled {
		observability.RecordCancellation("not_enrolled")
		return ErrNotEnrolled
	}
	observability.RecordCancellation("invalid")
	return ErrInvalidTransition
}

// Complete marks an active enrollment completed, frees its slot, and fires the points award.
// Completed is terminal; repeating the call is an idempotent success.
func (c *Controller) Complete(ctx context.Context, userID, activityID string) (*Record, error) {
	record, err := c.ledger.Transition(ctx, userID, activityID, StatusActive, StatusCompleted)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		if errors.Is(err, ErrStaleState) {
			current, findErr := c.ledger.Find(ctx, userID, activityID)
			if findErr == nil && current != nil && current.Status == StatusCompleted {
				return current, nil
			}
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("complete transition: %w", err)
	}

	// Occupancy counts active enrollments only, so completion frees the slot. The
	// reconciler would otherwise flag every completed enrollment as drift.
	c.release(ctx, activityID)
	observability.RecordCompletion()

	if err := c.notifier.Award(ctx, userID, activityID, CompletionPoints); err != nil {
		c.logger.Printf("points award failed (user=%s, activity=%s): %v", userID, activityID, err)
	}

	return record, nil
}

// Occupancy returns the capacity snapshot for display.
func (c *Controller) Occupancy(ctx context.Context, activityID string) (*Usage, error) {
	return c.capacity.Usage(ctx, activityID)
}

// SetCapacity applies a capacity edit from the activity collaborator. No eviction happens
// when the new capacity is below current occupancy.
func (c *Controller) SetCapacity(ctx context.Context, activityID string, capacity int) (*Usage, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	return c.capacity.SetCapacity(ctx, activityID, capacity)
}

// Participants lists the activity's ledger entries, optionally filtered by status.
func (c *Controller) Participants(ctx context.Context, activityID string, filter *Status) ([]Record, error) {
	return c.ledger.ListByActivity(ctx, activityID, filter)
}

// release frees a slot and surfaces a reconciliation fault when the counter cannot be
// decremented. The request still succeeds; the out-of-band reconciler repairs the drift.
func (c *Controller) release(ctx context.Context, activityID string) {
	if err := c.capacity.Release(ctx, activityID); err != nil {
		c.logger.Printf("reconciliation fault: release failed (activity=%s): %v", activityID, err)
		observability.RecordReconciliationFault()
	}
}

// compensate rolls back a granted reservation after a failed ledger write.
func (c *Controller) compensate(ctx context.Context, activityID string) {
	observability.RecordCompensation()
	if err := c.capacity.Release(ctx, activityID); err != nil {
		c.logger.Printf("reconciliation fault: compensating release failed (activity=%s): %v", activityID, err)
		observability.RecordReconciliationFault()
	}
}
