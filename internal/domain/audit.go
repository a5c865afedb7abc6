package domain

import "context"

// Drift describes one activity whose cached occupancy diverged from the ledger.
type Drift struct {
	ActivityID string
	Cached     int
	Actual     int
}

// OccupancyAuditor recomputes cached occupancy from ledger counts and repairs any
// divergence. It runs out-of-band, never on the request path.
type OccupancyAuditor interface {
	RecomputeOccupancy(ctx context.Context) ([]Drift, error)
}
