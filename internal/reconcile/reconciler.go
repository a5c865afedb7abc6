// Package reconcile repairs occupancy drift from the ledger, out-of-band from requests.
package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Nice2MU/RiseForGood/internal/domain"
	"github.com/Nice2MU/RiseForGood/internal/observability"
)

// Reconciler periodically recomputes cached occupancy from ledger counts. Any repair is a
// reconciliation fault: the counter diverged from the enrollment set, typically after a
// failed compensating release.
type Reconciler struct {
	auditor          domain.OccupancyAuditor
	interval         time.Duration
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// Option configures optional behaviour for the Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger used to report drift.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// NewReconciler constructs a Reconciler.
func NewReconciler(auditor domain.OccupancyAuditor, interval time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		auditor:          auditor,
		interval:         interval,
		logger:           log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the audit loop. It should be called in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer func() {
		ticker.Stop()
		close(r.shutdownComplete)
	}()

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("audit error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until the reconciler stops.
func (r *Reconciler) Wait() {
	<-r.shutdownComplete
}

// RunOnce performs a single audit pass and returns the repaired drifts.
func (r *Reconciler) RunOnce(ctx context.Context) ([]domain.Drift, error) {
	drifts, err := r.auditor.RecomputeOccupancy(ctx)
	if err != nil {
		return nil, err
	}

	for _, drift := range drifts {
		r.logger.Printf("reconciliation fault repaired (activity=%s, cached=%d, actual=%d)", drift.ActivityID, drift.Cached, drift.Actual)
		observability.RecordReconciliationFault()
	}
	observability.RecordDriftRepaired(len(drifts))
	return drifts, nil
}
