package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/surgecast/surgecast/internal/auth"
	"github.com/surgecast/surgecast/internal/browser"
	"github.com/surgecast/surgecast/internal/config"
	"github.com/surgecast/surgecast/internal/events"
	"github.com/surgecast/surgecast/internal/metrics"
	"github.com/surgecast/surgecast/internal/orchestrator"
	"github.com/surgecast/surgecast/internal/tracing"
)

const eventBufferSize = 256

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	bus := events.NewBus(eventBufferSize)
	defer bus.Close()
	eventsDone := streamEvents(bus.Subscribe())

	collector := metrics.NewCollector()
	factory := browser.NewChromedpFactory(cfg.Pool.Driver)
	pool := browser.NewPool(cfg.Pool, factory, bus)

	opts := []orchestrator.Option{orchestrator.WithTracing(tracer)}
	if cfg.Auth.BearerToken != "" || len(cfg.Auth.Headers) > 0 {
		provider := auth.NewStaticProvider(cfg.Auth)
		defer provider.Close()
		opts = append(opts, orchestrator.WithAuthProvider(provider))
	}

	orch := orchestrator.New(*cfg, pool, bus, collector, opts...)
	results, runErr := orch.Run(ctx)
	bus.Close()
	<-eventsDone

	if results == nil {
		return runErr
	}

	if cfg.ResultsFile != "" {
		if err := writeResults(cfg.ResultsFile, results); err != nil {
			return err
		}
	}

	printSummary(results)
	return runErr
}

// streamEvents mirrors the live event feed to stderr as NDJSON so it can be
// piped into log tooling without disturbing the stdout report.
func streamEvents(ch <-chan events.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(os.Stderr)
		for ev := range ch {
			_ = enc.Encode(struct {
				Event string      `json:"event"`
				At    time.Time   `json:"at"`
				Data  interface{} `json:"data"`
			}{ev.EventName(), time.Now(), ev})
		}
	}()
	return done
}

// writeResults persists the report as JSON, holding a file lock so
// concurrent runs pointed at the same results file do not interleave.
func writeResults(path string, results *orchestrator.Results) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock results file: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func printSummary(r *orchestrator.Results) {
	fmt.Printf("\nTest %s against %s\n", r.TestID, r.TargetURL)
	fmt.Printf("Duration:        %s\n", r.EndedAt.Sub(r.StartedAt).Round(time.Second))
	fmt.Printf("Sessions:        %d total, %d completed, %d failed\n",
		r.Sessions.Total, r.Sessions.Completed, r.Sessions.Failed)
	fmt.Printf("Requests:        %d (%.1f/s)\n", r.Summary.Total, r.Summary.RequestsPerSec)
	fmt.Printf("Success/Failure: %d / %d\n", r.Summary.Successes, r.Summary.Failures)
	fmt.Printf("Latency:         mean %.1fms, p50 %.1fms, p90 %.1fms, p99 %.1fms\n",
		r.Summary.MeanLatencyMs, r.Summary.P50LatencyMs, r.Summary.P90LatencyMs, r.Summary.P99LatencyMs)
	fmt.Printf("Transferred:     %d bytes\n", r.Summary.TotalBytes)

	if r.DRM.LicenseRequests > 0 {
		fmt.Printf("DRM licenses:    %d requests, %.1f%% success, avg %.1fms\n",
			r.DRM.LicenseRequests, r.DRM.SuccessRate*100, r.DRM.AvgLatencyMs)
	}

	for cat, stats := range r.ByCategory {
		fmt.Printf("  %-9s %6d requests, %3d failures, avg %.1fms, p95 %.1fms\n",
			cat+":", stats.Count, stats.Failures, stats.AvgLatencyMs, stats.P95LatencyMs)
	}

	if len(r.Summary.Errors) > 0 {
		fmt.Println("Errors:")
		for name, count := range r.Summary.Errors {
			fmt.Printf("  %-30s %d\n", name, count)
		}
	}
}
