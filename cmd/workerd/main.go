// Command workerd runs one provider family's worker loop: it claims
// messages from that family's Redis stream, runs them through the §4.3
// lifecycle, and before entering the steady-state loop replays any
// pending entries a crashed predecessor left behind (§4.8).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Hiih-u/async-chat/internal/auditor"
	"github.com/Hiih-u/async-chat/internal/backend"
	"github.com/Hiih-u/async-chat/internal/broker"
	"github.com/Hiih-u/async-chat/internal/bus"
	"github.com/Hiih-u/async-chat/internal/config"
	"github.com/Hiih-u/async-chat/internal/contextloader"
	"github.com/Hiih-u/async-chat/internal/nodepool"
	"github.com/Hiih-u/async-chat/internal/otelobs"
	"github.com/Hiih-u/async-chat/internal/recovery"
	"github.com/Hiih-u/async-chat/internal/router"
	"github.com/Hiih-u/async-chat/internal/store"
	"github.com/Hiih-u/async-chat/internal/telemetry"
	"github.com/Hiih-u/async-chat/internal/worker"
)

func main() {
	familyID := flag.String("family", "", "family ID to serve (must match a configured family, e.g. gemini)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Mirror logs to stdout only at an interactive terminal; under a
	// process supervisor (no tty) the JSONL file is the record of truth.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	fam, ok := cfg.FamilyByID(*familyID)
	if !ok {
		fatalStartup(logger, "E_FAMILY_UNKNOWN", fmt.Errorf("no family configured with id %q", *familyID))
	}
	logger = logger.With("family", fam.ID)

	otelProvider, err := otelobs.Init(ctx, otelobs.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	brk, err := broker.New(ctx, cfg.RedisAddr)
	if err != nil {
		fatalStartup(logger, "E_BROKER_CONNECT", err)
	}
	defer brk.Close()

	pool := nodepool.New(st, cfg.NodeClaimMaxRetries)
	rtr := router.New(st)
	loader := contextloader.New(st, cfg.ContextWindow)
	backendClient := backend.New()

	aud, err := auditor.New(cfg.HomeDir, st)
	if err != nil {
		fatalStartup(logger, "E_AUDITOR_INIT", err)
	}
	defer aud.Close()

	consumer := consumerName(fam.ID)

	runner := worker.New(st, brk, pool, rtr, loader, backendClient, aud, fam, consumer, cfg.NodeClaimMaxRetries)

	if err := brk.EnsureGroup(ctx, fam.StreamKey, fam.ConsumerGroup); err != nil {
		fatalStartup(logger, "E_STREAM_GROUP", err)
	}

	rec := recovery.New(st, brk, []recovery.Target{
		recovery.NewTarget(fam.ID, fam.StreamKey, fam.ConsumerGroup, consumer, runner),
	}, cfg.RecoveryBatchSize, cfg.RecoveryExpirySeconds)
	rec.Start(ctx)

	logger.Info("worker ready", "stream", fam.StreamKey, "group", fam.ConsumerGroup, "consumer", consumer)

	runLoop(ctx, logger, brk, runner, fam.StreamKey, fam.ConsumerGroup, consumer)
}

// runLoop blocks on new stream entries and hands each to the runner,
// skipping the idempotent-claim recheck since ReadNew only ever returns an
// entry once per consumer group.
func runLoop(ctx context.Context, logger *slog.Logger, brk *broker.Broker, runner *worker.Runner, stream, group, consumer string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
		}

		msgs, err := brk.ReadNew(ctx, stream, group, consumer, 1, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("read new entries failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := runner.Run(ctx, msg, false); err != nil {
				logger.Error("task run failed", "task_id", msg.Envelope.TaskID, "error", err)
			}
		}
	}
}

func consumerName(familyID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-worker-%s-%d", familyID, host, os.Getpid())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %v\n", reasonCode, err)
	}
	os.Exit(1)
}
