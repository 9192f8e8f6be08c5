package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/studydeck/workspace/internal/app/eventlog"
	"github.com/studydeck/workspace/internal/app/snapshots"
	"github.com/studydeck/workspace/internal/contracts"
	"github.com/studydeck/workspace/internal/platform/dbpool"
	"github.com/studydeck/workspace/internal/platform/env"
	"github.com/studydeck/workspace/internal/platform/metrics"
	"github.com/studydeck/workspace/internal/platform/natsutil"
)

var noticesTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "compactor_notices_total",
	Help: "Event notices consumed by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(noticesTotal)
}

func main() {
	ctx := context.Background()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	metricsAddr := env.String("COMPACTOR_METRICS_ADDR", ":9091")

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	events := eventlog.NewRepository(pool)
	store := snapshots.NewPostgresStore(pool)
	if err := waitForPostgres(ctx, pool, 30*time.Second, events.EnsureSchema, store.EnsureSchema); err != nil {
		log.Fatal(err)
	}

	policy := snapshots.NewPolicy(events, store)
	policy.Threshold = env.Int("EVENTS_PER_SNAPSHOT", snapshots.DefaultThreshold)
	policy.Keep = env.Int("SNAPSHOTS_KEEP", snapshots.DefaultKeep)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe("ws.event.>", "compactor", func(msg *nats.Msg) {
		var notice contracts.EventNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil || strings.TrimSpace(notice.WorkspaceID) == "" {
			log.Printf("discarding malformed event notice on %s: %v", msg.Subject, err)
			noticesTotal.WithLabelValues("malformed").Inc()
			_ = msg.Term()
			return
		}

		// The policy itself never fails the caller; the notice only tells us
		// which workspace might be due for compaction.
		policy.CheckAndCreateSnapshot(ctx, notice.WorkspaceID)
		noticesTotal.WithLabelValues("handled").Inc()
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Compactor listening on subject:", sub.Subject)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	log.Fatal(http.ListenAndServe(metricsAddr, mux))
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			for _, fn := range ensure {
				if lastErr = fn(attemptCtx); lastErr != nil {
					break
				}
			}
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
