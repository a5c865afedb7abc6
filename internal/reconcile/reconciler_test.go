package reconcile

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Nice2MU/RiseForGood/internal/domain"
	"github.com/Nice2MU/RiseForGood/internal/persistence/memory"
)

func TestRunOnceRepairsDrift(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	_, err := store.SetCapacity(ctx, "act-1", 5)
	require.NoError(t, err)
	_, err = store.SetCapacity(ctx, "act-2", 5)
	require.NoError(t, err)

	for _, userID := range []string{"u1", "u2"} {
		granted, err := store.TryReserve(ctx, "act-1")
		require.NoError(t, err)
		require.True(t, granted)
		_, err = store.CreateActive(ctx, userID, "act-1")
		require.NoError(t, err)
	}

	// Simulate a counter left stale by a failed compensating release.
	store.OverrideOccupancy("act-1", 4)
	store.OverrideOccupancy("act-2", 1)

	reconciler := NewReconciler(store, time.Minute, WithLogger(log.New(io.Discard, "", 0)))
	drifts, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Drift{
		{ActivityID: "act-1", Cached: 4, Actual: 2},
		{ActivityID: "act-2", Cached: 1, Actual: 0},
	}, drifts)

	usage, err := store.Usage(ctx, "act-1")
	require.NoError(t, err)
	require.Equal(t, 2, usage.Occupancy)

	usage, err = store.Usage(ctx, "act-2")
	require.NoError(t, err)
	require.Equal(t, 0, usage.Occupancy)

	// A clean pass reports nothing.
	drifts, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	store := memory.NewStore()
	reconciler := NewReconciler(store, 10*time.Millisecond, WithLogger(log.New(io.Discard, "", 0)))

	ctx, cancel := context.WithCancel(context.Background())
	go reconciler.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		reconciler.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}
