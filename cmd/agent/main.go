// Command agent is the coldtrace telemetry agent binary. It loads a YAML
// configuration file, restores the persisted field dictionary, runs cold-start
// preloaders, starts the collector registry and telemetry pipeline, exposes
// an admin HTTP surface, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coldtrace/agent/internal/adminhttp"
	"github.com/coldtrace/agent/internal/buffer"
	"github.com/coldtrace/agent/internal/coldstart"
	"github.com/coldtrace/agent/internal/config"
	"github.com/coldtrace/agent/internal/dictionary"
	"github.com/coldtrace/agent/internal/hostloop"
	"github.com/coldtrace/agent/internal/metrics"
	"github.com/coldtrace/agent/internal/pipeline"
	"github.com/coldtrace/agent/internal/processor"
	"github.com/coldtrace/agent/internal/registry"
	"github.com/coldtrace/agent/internal/state"
	"github.com/coldtrace/agent/internal/telemetry"
	"github.com/coldtrace/agent/internal/transport"
	"github.com/coldtrace/agent/internal/wire"
)

// eventDrainInterval bounds how often staged registry events get shipped
// even absent a batch_size trigger.
const eventDrainInterval = 200 * time.Millisecond

func main() {
	configPath := flag.String("config", "/etc/coldtrace/config.yaml", "path to the agent YAML configuration file")
	functionName := flag.String("function-name", envOr("AWS_LAMBDA_FUNCTION_NAME", "local"), "identity attached to every emitted event")
	flag.Parse()

	isColdStart := coldstart.ObserveColdStart()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coldtrace-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("metrics_endpoint", cfg.MetricsEndpoint),
		slog.Bool("cold_start", isColdStart),
	)

	orchestrator := coldstart.New(logger, cfg.PreloadMemoryLimitMB, time.Duration(cfg.ColdStartFreezeThresholdSecs)*time.Second)
	if isColdStart && boolValue(cfg.PreloadEnabled) {
		registerPreloaders(orchestrator, cfg)
		orchestrator.RunPreloads(context.Background())
	}

	dict := dictionary.New()
	fieldDictionary = dict

	stateStore := state.New(cfg.ScratchDir)
	dictState := &dictionarySnapshot{dict: dict}
	if err := stateStore.Load(dictState); err != nil {
		logger.Warn("failed to load persisted dictionary state", slog.Any("error", err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r := registry.New(logger, *functionName, m)

	httpTransport := transport.NewHTTPTransport("primary", cfg.MetricsEndpoint, transport.RetryPolicy{
		MaxAttempts:  cfg.MaxRetryAttempts,
		InitialDelay: time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond,
		Factor:       2.0,
	}, 0, logger)

	scratch := buffer.NewScratch(cfg.ScratchDir + "/scratch.bin")
	stage := buffer.New[telemetry.Event](cfg.MaxBufferSize, cfg.BatchSize, m)

	pl := pipeline.New("primary", encoderFor(m), logger, m).
		Use(processor.NewEnrich("identity", map[string]string{"function_name": *functionName})).
		AddTransport(httpTransport).
		WithScratch(scratch)

	admin := adminhttp.New(reg, dict, orchestrator.Uptime)
	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      admin,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.InitializeAll(ctx)
	if err := r.StartScheduledCollection(ctx); err != nil {
		logger.Error("failed to start scheduled collection", slog.Any("error", err))
		os.Exit(1)
	}

	go drainEvents(ctx, r, pl, stage, orchestrator, logger)

	go func() {
		logger.Info("admin http server listening", slog.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", slog.Any("error", err))
		}
	}()

	hostDone := make(chan string, 1)
	if hc, ok := hostloop.New(*functionName, logger); ok {
		go func() {
			err := hc.Run(ctx,
				func(ctx context.Context, requestID string) {
					if orchestrator.WasFrozen(ctx) {
						logger.Info("resumed from freeze", slog.String("request_id", requestID))
					}
					r.InvokePerInvocation(ctx)
				},
				func(reason string) {
					hostDone <- reason
				},
			)
			if err != nil {
				logger.Error("host event loop failed", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case reason := <-hostDone:
		logger.Info("received host shutdown event", slog.String("reason", reason))
	}

	r.Shutdown(context.Background())
	cancel()

	if err := stateStore.Save(dictState); err != nil {
		logger.Warn("failed to persist dictionary state", slog.Any("error", err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown error", slog.Any("error", err))
	}

	logger.Info("coldtrace agent exited cleanly")
}

// drainEvents feeds registry output into the pipeline in small batches,
// bounded by batch_size or the drain interval, whichever comes first.
func drainEvents(ctx context.Context, r *registry.Registry, pl *pipeline.Pipeline, stage *buffer.Buffer[telemetry.Event], orchestrator *coldstart.Orchestrator, logger *slog.Logger) {
	ticker := time.NewTicker(eventDrainInterval)
	defer ticker.Stop()

	flush := func() {
		pending := stage.Flush()
		if len(pending) == 0 {
			return
		}
		batch := telemetry.NewBatch("coldtrace-agent", pending)
		if err := pl.ProcessBatch(ctx, batch); err != nil {
			logger.Error("pipeline failed to process batch", slog.Any("error", err))
			return
		}
		orchestrator.CompleteFirstInvocation()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev := <-r.Events():
			if stage.Add(ev) {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// encoderFor returns the batch encoder that maps telemetry events onto the
// wire protocol's compact Metric representation.
func encoderFor(m *metrics.Metrics) pipeline.Encoder {
	return func(batch telemetry.Batch) ([]byte, error) {
		metricsOut := make([]wire.Metric, 0, len(batch.Events))
		for _, ev := range batch.Events {
			metricsOut = append(metricsOut, eventToMetric(ev))
		}
		// withCRC is always on; compression is automatic above the wire
		// codec's size threshold.
		frame, truncated := wire.EncodeBatch(metricsOut, true)
		if truncated {
			m.ValuesTruncated.Inc()
		}
		return frame, nil
	}
}

func registerPreloaders(o *coldstart.Orchestrator, cfg *config.Config) {
	o.Register(coldstart.NewFuncPreloader("runtime-path-warm", 4, func(ctx context.Context) error {
		_, err := json.Marshal(struct{}{})
		return err
	}))
	o.Register(coldstart.NewFuncPreloader("sink-dns-tls-prime", 8, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.MetricsEndpoint, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}))
}

func boolValue(b *bool) bool { return b != nil && *b }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
