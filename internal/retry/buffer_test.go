package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/randomizedcoder/safequeue/internal/backoff"
	"github.com/randomizedcoder/safequeue/internal/queue"
	"github.com/randomizedcoder/safequeue/internal/retry"
)

var errFlaky = errors.New("flaky")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(workers, maxAttempts int) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Workers = workers
	cfg.MaxAttempts = maxAttempts
	cfg.PollInterval = time.Millisecond
	cfg.StatsInterval = 0
	return cfg
}

func newBuffer[T any](t *testing.T, h retry.Handler[T], opts ...retry.Option) (*retry.Buffer[T], *queue.ConcurrentQueue[*retry.Item[T]]) {
	t.Helper()
	q := queue.New[*retry.Item[T]]()
	base := []retry.Option{
		retry.WithLogger(quietLogger()),
		retry.WithBackoff(backoff.NewConstant(time.Millisecond)),
		retry.WithMeter(sdkmetric.NewMeterProvider().Meter("test")),
	}
	b, err := retry.New(q, h, append(base, opts...)...)
	require.NoError(t, err)
	return b, q
}

// start runs b in the background and returns a func that stops it and
// checks Run's result.
func start[T any](t *testing.T, b *retry.Buffer[T]) (ctx context.Context, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	return ctx, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	h := func(context.Context, int) error { return nil }
	q := queue.New[*retry.Item[int]]()

	_, err := retry.New[int](nil, h)
	assert.ErrorIs(t, err, retry.ErrNilQueue)

	_, err = retry.New[int](q, nil)
	assert.ErrorIs(t, err, retry.ErrNilHandler)

	bad := retry.DefaultConfig()
	bad.Workers = 0
	_, err = retry.New(q, h, retry.WithConfig(bad))
	assert.ErrorIs(t, err, retry.ErrInvalidConfig)

	_, err = retry.New(q, h, retry.WithDropHandler(func(*retry.Item[string]) {}))
	assert.ErrorIs(t, err, retry.ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*retry.Config)
		ok     bool
	}{
		{"default", func(*retry.Config) {}, true},
		{"zero workers", func(c *retry.Config) { c.Workers = 0 }, false},
		{"zero attempts", func(c *retry.Config) { c.MaxAttempts = 0 }, false},
		{"zero poll", func(c *retry.Config) { c.PollInterval = 0 }, false},
		{"negative rate", func(c *retry.Config) { c.RateLimit = -1 }, false},
		{"negative burst", func(c *retry.Config) { c.RateBurst = -1 }, false},
		{"negative stats", func(c *retry.Config) { c.StatsInterval = -time.Second }, false},
		{"stats disabled", func(c *retry.Config) { c.StatsInterval = 0 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := retry.DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, retry.ErrInvalidConfig)
			}
		})
	}
}

func TestBuffer_ProcessesAll(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	b, q := newBuffer[int](t, func(_ context.Context, v int) error {
		mu.Lock()
		seen[v]++
		mu.Unlock()
		return nil
	}, retry.WithConfig(testConfig(4, 3)))

	payloads := make([]int, 100)
	for i := range payloads {
		payloads[i] = i
	}
	ids := b.SubmitAll(payloads...)
	require.Len(t, ids, 100)
	assert.Equal(t, 100, b.Len())

	_, stop := start(t, b)
	require.Eventually(t, func() bool { return b.Stats().Processed == 100 }, 5*time.Second, time.Millisecond)
	stop()

	assert.True(t, q.IsEmpty())
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, seen[i], "payload %d", i)
	}
}

func TestBuffer_RetriesAtHead(t *testing.T) {
	var (
		mu       sync.Mutex
		calls    []string
		failures = map[string]int{"a": 2}
	)
	b, _ := newBuffer[string](t, func(_ context.Context, v string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, v)
		if failures[v] > 0 {
			failures[v]--
			return errFlaky
		}
		return nil
	}, retry.WithConfig(testConfig(1, 5)))

	b.Submit("a")
	b.Submit("b")

	_, stop := start(t, b)
	require.Eventually(t, func() bool { return b.Stats().Processed == 2 }, 5*time.Second, time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "a", "a", "b"}, calls)

	s := b.Stats()
	assert.Equal(t, int64(2), s.Retried)
	assert.Equal(t, int64(0), s.Dropped)
	assert.Equal(t, 0, s.Depth)
}

func TestBuffer_DropsAfterMaxAttempts(t *testing.T) {
	dropped := make(chan *retry.Item[string], 1)
	b, q := newBuffer[string](t, func(context.Context, string) error {
		return errFlaky
	},
		retry.WithConfig(testConfig(2, 3)),
		retry.WithDropHandler(func(it *retry.Item[string]) { dropped <- it }),
	)

	id := b.Submit("doomed")
	_, stop := start(t, b)
	defer stop()

	select {
	case it := <-dropped:
		assert.Equal(t, id, it.ID)
		assert.Equal(t, "doomed", it.Payload)
		assert.Equal(t, 3, it.Attempt)
		assert.ErrorIs(t, it.LastErr, errFlaky)
	case <-time.After(5 * time.Second):
		t.Fatal("item was not dropped")
	}

	assert.True(t, q.IsEmpty())
	s := b.Stats()
	assert.Equal(t, int64(2), s.Retried)
	assert.Equal(t, int64(1), s.Dropped)
	assert.Equal(t, int64(0), s.Processed)
}

func TestBuffer_RecoversPanic(t *testing.T) {
	dropped := make(chan *retry.Item[int], 1)
	b, _ := newBuffer[int](t, func(context.Context, int) error {
		panic("boom")
	},
		retry.WithConfig(testConfig(1, 1)),
		retry.WithDropHandler(func(it *retry.Item[int]) { dropped <- it }),
	)

	b.Submit(1)
	_, stop := start(t, b)
	defer stop()

	select {
	case it := <-dropped:
		assert.ErrorIs(t, it.LastErr, retry.ErrHandlerPanic)
		assert.Contains(t, it.LastErr.Error(), "boom")
	case <-time.After(5 * time.Second):
		t.Fatal("panicking item was not dropped")
	}
}

func TestBuffer_RunTwice(t *testing.T) {
	b, _ := newBuffer[int](t, func(context.Context, int) error { return nil },
		retry.WithConfig(testConfig(1, 1)))

	ctx, stop := start(t, b)
	require.Eventually(t, b.Running, time.Second, time.Millisecond)

	assert.ErrorIs(t, b.Run(ctx), retry.ErrAlreadyRunning)
	stop()
	assert.False(t, b.Running())
}

func TestBuffer_ShutdownKeepsItems(t *testing.T) {
	started := make(chan struct{})
	b, q := newBuffer[string](t, func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, retry.WithConfig(testConfig(1, 3)))

	id := b.Submit("in-flight")
	b.Submit("waiting")

	_, stop := start(t, b)
	<-started
	stop()

	require.Equal(t, 2, q.Len())
	head, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, id, head.ID)
	assert.Equal(t, 0, head.Attempt)
	assert.Equal(t, int64(0), b.Stats().Retried)
}

func TestBuffer_SharedQueue(t *testing.T) {
	done := make(chan string, 1)
	b, q := newBuffer[string](t, func(_ context.Context, v string) error {
		done <- v
		return nil
	}, retry.WithConfig(testConfig(1, 1)))

	// Producers holding the queue can enqueue directly.
	q.Enqueue(retry.NewItem("direct"))

	_, stop := start(t, b)
	defer stop()

	select {
	case v := <-done:
		assert.Equal(t, "direct", v)
	case <-time.After(5 * time.Second):
		t.Fatal("directly enqueued item was not handled")
	}
}

func TestBuffer_RateLimit(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.RateLimit = 1000
	cfg.RateBurst = 0

	b, _ := newBuffer[int](t, func(context.Context, int) error { return nil }, retry.WithConfig(cfg))
	b.SubmitAll(1, 2, 3, 4, 5)

	_, stop := start(t, b)
	require.Eventually(t, func() bool { return b.Stats().Processed == 5 }, 5*time.Second, time.Millisecond)
	stop()
}

// A deadline shorter than the limiter's next token must not end Run early:
// workers keep waiting for tokens until the context is actually done.
func TestBuffer_RateLimitDeadline(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.RateLimit = 2
	cfg.RateBurst = 1

	b, q := newBuffer[int](t, func(context.Context, int) error { return nil }, retry.WithConfig(cfg))
	b.SubmitAll(0, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	began := time.Now()
	require.NoError(t, b.Run(ctx))
	elapsed := time.Since(began)

	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded, "Run returned before the deadline")
	assert.GreaterOrEqual(t, elapsed, 1400*time.Millisecond)

	s := b.Stats()
	assert.GreaterOrEqual(t, s.Processed, int64(2))
	assert.Less(t, s.Processed, int64(10))
	assert.Equal(t, int64(10), s.Processed+int64(q.Len()))
}

func TestBuffer_Close(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	b, _ := newBuffer[int](t, func(context.Context, int) error { return nil },
		retry.WithMeter(mp.Meter("test")),
	)
	b.SubmitAll(1, 2, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	depth := findMetric(rm, "safequeue.retry.depth")
	require.NotNil(t, depth, "safequeue.retry.depth not found")
	gauge, ok := depth.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge[int64]")
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "second Close")

	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	if depth := findMetric(rm, "safequeue.retry.depth"); depth != nil {
		gauge, ok := depth.Data.(metricdata.Gauge[int64])
		require.True(t, ok, "expected Gauge[int64]")
		assert.Empty(t, gauge.DataPoints, "depth still observed after Close")
	}

	// Close leaves the queue alone.
	assert.Equal(t, 3, b.Len())
}

func TestBuffer_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	b, _ := newBuffer[int](t, func(_ context.Context, v int) error {
		if v < 0 {
			return errFlaky
		}
		return nil
	},
		retry.WithConfig(testConfig(1, 2)),
		retry.WithMeter(mp.Meter("test")),
	)

	b.SubmitAll(1, 2, -1)
	_, stop := start(t, b)
	require.Eventually(t, func() bool {
		s := b.Stats()
		return s.Processed == 2 && s.Dropped == 1
	}, 5*time.Second, time.Millisecond)
	stop()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	items := findMetric(rm, "safequeue.retry.items")
	require.NotNil(t, items, "safequeue.retry.items not found")
	sum, ok := items.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64]")

	byOutcome := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		byOutcome[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 2, "retry": 1, "dropped": 1}, byOutcome)

	depth := findMetric(rm, "safequeue.retry.depth")
	require.NotNil(t, depth, "safequeue.retry.depth not found")
	gauge, ok := depth.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge[int64]")
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)

	assert.NotNil(t, findMetric(rm, "safequeue.retry.handler.duration"))
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
