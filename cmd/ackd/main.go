package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/ackbridge/internal/api"
	"github.com/ahrav/ackbridge/internal/app/binder"
	"github.com/ahrav/ackbridge/internal/app/eventloop"
	"github.com/ahrav/ackbridge/internal/app/metrics"
	"github.com/ahrav/ackbridge/internal/config"
	"github.com/ahrav/ackbridge/internal/infra/storage"
	"github.com/ahrav/ackbridge/internal/infra/storage/postgres"
	"github.com/ahrav/ackbridge/pkg/common/logger"
	"github.com/ahrav/ackbridge/pkg/common/otel"
)

const serviceType = "ackd"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("ACKBRIDGE_CONFIG"), "path to a YAML config file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	stdinFeed := flag.Bool("stdin", false, "publish stdin lines to the memory source")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *printConfig {
		if err := writeConfig(cfg); err != nil {
			log.Fatalf("failed to print config: %v", err)
		}
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"source":   string(cfg.Source.Type),
	}

	logr := logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.Log.Level),
		svcName,
		otel.GetTraceID,
		logEvents,
		metadata,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logr, cfg, *stdinFeed); err != nil {
		logr.Error(ctx, "ackd stopped with error", "error", err)
		os.Exit(1)
	}
	logr.Info(ctx, "ackd stopped")
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, stdinFeed bool) error {
	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"ackd.source":      string(cfg.Source.Type),
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		telemetryTeardown(shutdownCtx)
	}()

	tracer := providers.Tracer.Tracer(cfg.Service.Name)

	loop := eventloop.New(eventloop.Config{QueueSize: cfg.Loop.QueueSize}, log, tracer)

	collector, err := metrics.New(providers.Meter, loop.Pending)
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	var (
		binderOpts []binder.Option
		apiOpts    []api.Option
		journal    *postgres.DecisionJournal
	)
	if cfg.Journal.Enabled {
		pool, err := storage.NewPool(ctx, storage.PoolConfig{
			DSN:      cfg.Journal.DSN,
			MinConns: cfg.Journal.MinConns,
			MaxConns: cfg.Journal.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("opening journal database: %w", err)
		}
		defer pool.Close()

		if err := storage.RunMigrations(ctx, pool, cfg.Journal.MigrationsURL); err != nil {
			return fmt.Errorf("migrating journal database: %w", err)
		}
		log.Info(ctx, "decision journal ready")

		journal = postgres.NewDecisionJournal(pool, tracer)
		binderOpts = append(binderOpts, binder.WithJournal(journal))
		apiOpts = append(apiOpts, api.WithDecisions(journal))
	}

	b := binder.New(
		binder.Config{
			AckTimeout:    cfg.Binder.AckTimeout,
			TraceAcks:     cfg.Log.TraceAcks,
			RatePerSecond: cfg.Binder.RatePerSecond,
			Burst:         cfg.Binder.Burst,
		},
		loop,
		newDemoConsumer(loop, cfg.Consumer.DecideDelay, log),
		log,
		tracer,
		collector,
		binderOpts...,
	)

	src, err := connectSource(ctx, cfg.Source, b, log, collector, tracer)
	if err != nil {
		return fmt.Errorf("connecting %s source: %w", cfg.Source.Type, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Error(context.Background(), "failed to close source", "error", err)
		}
	}()

	ready := &atomic.Bool{}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ready.Store(true)
		defer ready.Store(false)
		log.Info(ctx, "consuming", "source", cfg.Source.Type)
		return src.Run(ctx)
	})

	if cfg.Debug.Addr != "" {
		server, err := api.NewServer(cfg.Debug.Addr, log, providers.Tracer, ready.Load, apiOpts...)
		if err != nil {
			return fmt.Errorf("creating api server: %w", err)
		}
		g.Go(func() error { return server.Start(ctx) })
	}

	if journal != nil && cfg.Journal.Retention > 0 {
		g.Go(func() error {
			purgeJournal(ctx, journal, cfg.Journal.Retention, log)
			return nil
		})
	}

	if feeder, ok := src.(stdinPublisher); ok && stdinFeed {
		g.Go(func() error { return feedStdin(ctx, feeder, os.Stdin, log) })
	}

	return g.Wait()
}

// purgeJournal drops entries older than retention until ctx ends.
func purgeJournal(ctx context.Context, j *postgres.DecisionJournal, retention time.Duration, log *logger.Logger) {
	interval := min(retention, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := j.PurgeBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Error(ctx, "failed to purge decision journal", "error", err)
				continue
			}
			if deleted > 0 {
				log.Info(ctx, "purged decision journal", "deleted", deleted)
			}
		}
	}
}

// writeConfig prints cfg as YAML with credentials redacted.
func writeConfig(cfg *config.Config) error {
	redacted := *cfg
	if redacted.Journal.DSN != "" {
		redacted.Journal.DSN = "REDACTED"
	}
	if redacted.Source.AMQP.URL != "" {
		redacted.Source.AMQP.URL = "REDACTED"
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(redacted)
}
