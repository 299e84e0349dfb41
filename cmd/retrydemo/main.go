// Command retrydemo runs a retry buffer against a handler that fails a
// configurable share of calls, and reports how many requests got through.
//
// Usage:
//
//	go run ./cmd/retrydemo -n 200 -fail 0.3 -workers 4 -attempts 5
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/randomizedcoder/safequeue/internal/backoff"
	"github.com/randomizedcoder/safequeue/internal/queue"
	"github.com/randomizedcoder/safequeue/internal/retry"
)

var errUnavailable = errors.New("upstream unavailable")

type request struct {
	Seq  int
	Path string
}

func main() {
	n := flag.Int("n", 200, "number of requests to submit")
	failRate := flag.Float64("fail", 0.3, "probability that a handler call fails")
	workers := flag.Int("workers", 4, "worker goroutines")
	attempts := flag.Int("attempts", 5, "max attempts per request")
	rps := flag.Float64("rps", 0, "handler calls per second (0 = unlimited)")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := retry.DefaultConfig()
	cfg.Workers = *workers
	cfg.MaxAttempts = *attempts
	cfg.RateLimit = *rps
	cfg.StatsInterval = time.Second

	handler := func(ctx context.Context, r request) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.IntN(5)) * time.Millisecond):
		}
		if rand.Float64() < *failRate { //nolint:gosec // simulated failures
			return fmt.Errorf("GET %s: %w", r.Path, errUnavailable)
		}
		return nil
	}

	q := queue.New[*retry.Item[request]]()
	buf, err := retry.New(q, handler,
		retry.WithConfig(cfg),
		retry.WithLogger(logger),
		retry.WithBackoff(backoff.NewExponentialWithJitter(10*time.Millisecond, 500*time.Millisecond)),
		retry.WithDropHandler(func(it *retry.Item[request]) {
			logger.Error("request abandoned",
				slog.Int("seq", it.Payload.Seq),
				slog.Int("attempts", it.Attempt),
				slog.String("error", it.LastErr.Error()),
			)
		}),
	)
	if err != nil {
		logger.Error("create retry buffer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := buf.Close(); err != nil {
			logger.Warn("close retry buffer", slog.String("error", err.Error()))
		}
	}()

	reqs := make([]request, *n)
	for i := range reqs {
		reqs[i] = request{Seq: i, Path: fmt.Sprintf("/devices/%d/state", i)}
	}
	buf.SubmitAll(reqs...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	// Stop once every request was either handled or dropped.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := buf.Stats()
				if s.Processed+s.Dropped >= int64(*n) {
					cancel()
					return
				}
			}
		}
	}()

	start := time.Now()
	if err := buf.Run(ctx); err != nil {
		logger.Error("retry buffer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	elapsed := time.Since(start)

	s := buf.Stats()
	fmt.Printf("\nResults (%d requests, fail rate %.0f%%, %d attempts max):\n", *n, *failRate*100, *attempts)
	fmt.Println("─────────────────────────────────────────────────")
	fmt.Printf("  Handled:    %d\n", s.Processed)
	fmt.Printf("  Retries:    %d\n", s.Retried)
	fmt.Printf("  Abandoned:  %d\n", s.Dropped)
	fmt.Printf("  Unfinished: %d\n", s.Depth)
	fmt.Printf("  Elapsed:    %v\n", elapsed)
}
