//go:build integration
// +build integration

package consumer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPointsHandlerCreditsOnce(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewPointsHandler(pool)

	payload := json.RawMessage(`{"user_id":"u1","activity_id":"act-1","points":10,"awarded_at":"2026-08-01T12:00:00Z"}`)
	msg := Message{
		EventType:     "points.award",
		SchemaID:      42,
		SchemaSubject: "points_awards-value",
		Topic:         "points_awards",
		Partition:     0,
		Offset:        5,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}

	require.NoError(t, handler.Handle(ctx, msg))
	// Redelivery of the same award must not double-credit.
	msg.Offset = 6
	require.NoError(t, handler.Handle(ctx, msg))

	var points int
	require.NoError(t, pool.QueryRow(ctx, `SELECT points FROM user_points WHERE user_id = 'u1'`).Scan(&points))
	require.Equal(t, 10, points)

	var logged int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM enrollment_event_log`).Scan(&logged))
	require.Equal(t, 2, logged, "every delivery is logged even when the credit is a no-op")
}

func TestPointsHandlerAccumulatesAcrossActivities(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewPointsHandler(pool)

	for i, activityID := range []string{"act-1", "act-2"} {
		payload, err := json.Marshal(map[string]interface{}{
			"user_id":     "u1",
			"activity_id": activityID,
			"points":      10,
			"awarded_at":  time.Now().UTC(),
		})
		require.NoError(t, err)

		require.NoError(t, handler.Handle(ctx, Message{
			EventType: "points.award",
			Topic:     "points_awards",
			Offset:    int64(i),
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}))
	}

	var points int
	require.NoError(t, pool.QueryRow(ctx, `SELECT points FROM user_points WHERE user_id = 'u1'`).Scan(&points))
	require.Equal(t, 20, points)
}

func TestPointsHandlerLogsOtherEvents(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewPointsHandler(pool)

	payload := json.RawMessage(`{"enrollment_id":"e1","user_id":"u1","activity_id":"act-1","status":"active"}`)
	require.NoError(t, handler.Handle(ctx, Message{
		EventType: "enrollment.changed",
		Topic:     "enrollment_events",
		Offset:    1,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}))

	var storedPayload []byte
	require.NoError(t, pool.QueryRow(ctx, `SELECT payload FROM enrollment_event_log WHERE event_type = 'enrollment.changed'`).Scan(&storedPayload))
	require.JSONEq(t, string(payload), string(storedPayload))

	var awards int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM point_awards`).Scan(&awards))
	require.Equal(t, 0, awards)
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("volunteer"),
		postgrescontainer.WithUsername("riseforgood"),
		postgrescontainer.WithPassword("riseforgood"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	applyMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func applyMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	migrationsPath := migrationsDir(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, file := range files {
		content, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)
		_, execErr := pool.Exec(ctx, string(content))
		require.NoErrorf(t, execErr, "execute migration %s", file)
	}
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}

func migrationsDir(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}
