// Package memory provides an in-memory store for unit tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nice2MU/RiseForGood/internal/domain"
)

type activityState struct {
	capacity  int
	occupancy int
}

// Store implements the ledger, capacity, and points interfaces over process memory.
// A single mutex serialises every operation, which makes TryReserve the same atomic
// check-and-increment the Postgres store performs with a conditional UPDATE.
type Store struct {
	mu         sync.RWMutex
	activities map[string]*activityState
	records    map[string]*domain.Record
	awards     map[string]struct{}
	points     map[string]int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		activities: make(map[string]*activityState),
		records:    make(map[string]*domain.Record),
		awards:     make(map[string]struct{}),
		points:     make(map[string]int),
	}
}

func recordKey(userID, activityID string) string {
	return userID + "\x00" + activityID
}

// SetCapacity upserts the activity and its capacity, preserving current occupancy.
func (s *Store) SetCapacity(_ context.Context, activityID string, capacity int) (*domain.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.activities[activityID]
	if !ok {
		state = &activityState{}
		s.activities[activityID] = state
	}
	state.capacity = capacity
	return &domain.Usage{ActivityID: activityID, Occupancy: state.occupancy, Capacity: state.capacity}, nil
}

// TryReserve implements the atomic admission check.
func (s *Store) TryReserve(_ context.Context, activityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.activities[activityID]
	if !ok {
		return false, domain.ErrActivityNotFound
	}
	if state.occupancy >= state.capacity {
		return false, nil
	}
	state.occupancy++
	return true, nil
}

// Release decrements occupancy, floored at zero.
func (s *Store) Release(_ context.Context, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.activities[activityID]
	if !ok {
		return domain.ErrActivityNotFound
	}
	if state.occupancy > 0 {
		state.occupancy--
	}
	return nil
}

// Usage returns the occupancy/capacity snapshot.
func (s *Store) Usage(_ context.Context, activityID string) (*domain.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.activities[activityID]
	if !ok {
		return nil, domain.ErrActivityNotFound
	}
	return &domain.Usage{ActivityID: activityID, Occupancy: state.occupancy, Capacity: state.capacity}, nil
}

// Find returns the record for the pair, or nil when absent.
func (s *Store) Find(_ context.Context, userID, activityID string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey(userID, activityID)]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// CreateActive inserts a fresh active record, enforcing key uniqueness.
func (s *Store) CreateActive(_ context.Context, userID, activityID string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(userID, activityID)
	if _, exists := s.records[key]; exists {
		return nil, domain.ErrDuplicateKey
	}

	now := time.Now().UTC()
	record := &domain.Record{
		ID:         uuid.NewString(),
		UserID:     userID,
		ActivityID: activityID,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[key] = record
	copied := *record
	return &copied, nil
}

// Transition applies the optimistic status guard.
func (s *Store) Transition(_ context.Context, userID, activityID string, from, to domain.Status) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordKey(userID, activityID)]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	if record.Status != from {
		return nil, domain.ErrStaleState
	}
	record.Status = to
	record.UpdatedAt = time.Now().UTC()
	copied := *record
	return &copied, nil
}

// ListActiveByUser returns active records newest first, with cursor pagination.
func (s *Store) ListActiveByUser(_ context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Record, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Record, 0)
	for _, record := range s.records {
		if record.UserID != userID || record.Status != domain.StatusActive {
			continue
		}
		matches = append(matches, *record)
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ActivityID > matches[j].ActivityID
	})

	if cursor != nil {
		filtered := matches[:0]
		for _, record := range matches {
			if record.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if record.CreatedAt.Equal(cursor.CreatedAt) && record.ActivityID >= cursor.ActivityID {
				continue
			}
			filtered = append(filtered, record)
		}
		matches = filtered
	}

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	var next *domain.Cursor
	if limit > 0 && len(matches) == limit {
		last := matches[len(matches)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ActivityID: last.ActivityID}
	}
	return matches, next, nil
}

// ListByActivity returns the activity's records, optionally filtered by status.
func (s *Store) ListByActivity(_ context.Context, activityID string, filter *domain.Status) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Record, 0)
	for _, record := range s.records {
		if record.ActivityID != activityID {
			continue
		}
		if filter != nil && record.Status != *filter {
			continue
		}
		matches = append(matches, *record)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches, nil
}

// CountByUserStatus counts the user's records in the given status.
func (s *Store) CountByUserStatus(_ context.Context, userID string, status domain.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, record := range s.records {
		if record.UserID == userID && record.Status == status {
			count++
		}
	}
	return count, nil
}

// AwardPoints credits the user once per (user, activity) pair.
func (s *Store) AwardPoints(_ context.Context, userID, activityID string, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(userID, activityID)
	if _, done := s.awards[key]; done {
		return nil
	}
	s.awards[key] = struct{}{}
	s.points[userID] += points
	return nil
}

// PointsFor returns the accrued balance.
func (s *Store) PointsFor(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.points[userID], nil
}

// RecomputeOccupancy rewrites cached occupancy from ledger counts and reports repairs.
func (s *Store) RecomputeOccupancy(_ context.Context) ([]domain.Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := make(map[string]int, len(s.activities))
	for _, record := range s.records {
		if record.Status == domain.StatusActive {
			actual[record.ActivityID]++
		}
	}

	drifts := make([]domain.Drift, 0)
	for activityID, state := range s.activities {
		count := actual[activityID]
		if state.occupancy == count {
			continue
		}
		drifts = append(drifts, domain.Drift{ActivityID: activityID, Cached: state.occupancy, Actual: count})
		state.occupancy = count
	}

	sort.Slice(drifts, func(i, j int) bool { return drifts[i].ActivityID < drifts[j].ActivityID })
	return drifts, nil
}

// OverrideOccupancy force-sets the cached counter, bypassing the reserve/release
// primitives. Test hook for exercising reconciliation.
func (s *Store) OverrideOccupancy(activityID string, occupancy int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.activities[activityID]; ok {
		state.occupancy = occupancy
	}
}
