// Command fleetwatch-ingest runs the ingest pipeline: it subscribes to the
// telemetry and retained-state streams, fans envelopes out to the relational
// and archive sinks, and serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/ingest"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/sink"
	"github.com/fleetwatch/fleetwatch/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetwatch-ingest:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	if err := cfg.ValidateIngest(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logging.Default()
	log.Info("starting ingest", logging.Fields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *ingest.Metrics
	if cfg.MetricsEnabled {
		metrics = ingest.NewMetrics(prometheus.DefaultRegisterer)
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		go serveMetrics(cfg.MetricsPort, log)
	}

	bundle, err := transport.New(ctx, cfg, logging.NewWatermillAdapter(log))
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer bundle.Close()

	db, err := sink.OpenPostgres(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	store, err := sink.NewS3Store(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	relationalQueue := ingest.NewQueue("relational", cfg.RelationalQueueCapacity)
	archiveQueue := ingest.NewQueue("archive", cfg.ArchiveQueueCapacity)

	receiver := ingest.NewReceiver(bundle.Subscriber, log, metrics, relationalQueue, archiveQueue)
	relational := sink.NewRelational(db, relationalQueue, log, metrics, cfg.DequeueWait)
	archive := sink.NewArchive(store, archiveQueue, log, metrics, cfg.BatchMaxCount, cfg.BatchMaxAge, cfg.DequeueWait)

	// The sinks get a context that outlives the receiver's so they can drain
	// whatever the receiver enqueued before shutdown started.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	var sinks sync.WaitGroup
	sinks.Add(2)
	go func() {
		defer sinks.Done()
		relational.Run(sinkCtx)
	}()
	go func() {
		defer sinks.Done()
		archive.Run(sinkCtx)
	}()

	if metrics != nil {
		go reportQueueDepth(sinkCtx, metrics, relationalQueue, archiveQueue)
	}

	err = receiver.Run(ctx, cfg.TelemetryTopic, cfg.LastTopic)
	if err != nil && !errors.Is(err, context.Canceled) {
		stopSinks()
		sinks.Wait()
		return fmt.Errorf("receiver: %w", err)
	}

	log.Info("receiver stopped, draining sink queues", logging.Fields{
		"relational_depth": relationalQueue.Len(),
		"archive_depth":    archiveQueue.Len(),
	})
	stopSinks()
	sinks.Wait()
	return nil
}

func serveMetrics(port int, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info("metrics listening", logging.Fields{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server", err, nil)
	}
}

func reportQueueDepth(ctx context.Context, metrics *ingest.Metrics, queues ...*ingest.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				metrics.SetQueueDepth(q.Name(), q.Len())
			}
		}
	}
}
