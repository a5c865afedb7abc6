// Command reconciler runs the out-of-band repair loops: the occupancy auditor that
// recomputes cached counters from ledger state, and the outbox DLQ retry manager.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nice2MU/RiseForGood/internal/config"
	"github.com/Nice2MU/RiseForGood/internal/outbox"
	persistence "github.com/Nice2MU/RiseForGood/internal/persistence/postgres"
	"github.com/Nice2MU/RiseForGood/internal/reconcile"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	reconciler := reconcile.NewReconciler(repo, cfg.ReconcileInterval)
	go reconciler.Start(ctx)

	dlq := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)
	go func() {
		ticker := time.NewTicker(cfg.DLQPollInterval)
		defer ticker.Stop()
		for {
			if requeued, err := dlq.RunOnce(ctx, cfg.OutboxBatchSize); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("dlq manager error: %v", err)
			} else if requeued > 0 {
				log.Printf("dlq manager re-queued %d events", requeued)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("reconciler metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	reconciler.Wait()
}
