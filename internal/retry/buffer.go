// Package retry provides a request retry buffer on top of
// queue.ConcurrentQueue.
//
// Submitted payloads are handled by a fixed set of worker goroutines. A
// payload whose handler fails is put back at the head of the queue with
// InsertFirst, so it is the next item handled once its backoff delay has
// passed. Items behind it wait; retries keep their place in line.
//
// The queue is injected by the caller. Anything else holding the same queue
// may enqueue items too, and items left queued when Run returns stay there.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/randomizedcoder/safequeue/internal/backoff"
	"github.com/randomizedcoder/safequeue/internal/queue"
)

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Depth     int
	Processed int64
	Retried   int64
	Dropped   int64
}

// Buffer consumes Items from a queue and retries failed ones at the head.
type Buffer[T any] struct {
	q       *queue.ConcurrentQueue[*Item[T]]
	handler Handler[T]
	config  Config
	logger  *slog.Logger
	backoff backoff.Strategy
	onDrop  func(*Item[T])
	limiter *rate.Limiter
	metrics *instruments

	closeOnce sync.Once
	closeErr  error

	processed atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
	running   atomic.Bool
}

// New creates a Buffer that consumes q with handler h.
func New[T any](q *queue.ConcurrentQueue[*Item[T]], h Handler[T], opts ...Option) (*Buffer[T], error) {
	if q == nil {
		return nil, ErrNilQueue
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	o := options{
		config:  DefaultConfig(),
		logger:  slog.Default(),
		backoff: backoff.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if o.meter == nil {
		o.meter = otel.Meter(meterName)
	}

	b := &Buffer[T]{
		q:       q,
		handler: h,
		config:  o.config,
		logger:  o.logger,
		backoff: o.backoff,
	}

	if o.onDrop != nil {
		fn, ok := o.onDrop.(func(*Item[T]))
		if !ok {
			return nil, fmt.Errorf("%w: drop handler %T does not match payload type", ErrInvalidConfig, o.onDrop)
		}
		b.onDrop = fn
	}

	if o.config.RateLimit > 0 {
		burst := o.config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(o.config.RateLimit), burst)
	}

	m, err := newInstruments(o.meter, q.Len)
	if err != nil {
		return nil, err
	}
	b.metrics = m

	return b, nil
}

// Submit enqueues payload and returns its item ID.
func (b *Buffer[T]) Submit(payload T) uuid.UUID {
	it := NewItem(payload)
	b.q.Enqueue(it)
	return it.ID
}

// SubmitAll enqueues payloads in order as one batch and returns their IDs.
func (b *Buffer[T]) SubmitAll(payloads ...T) []uuid.UUID {
	items := make([]*Item[T], len(payloads))
	ids := make([]uuid.UUID, len(payloads))
	for i, p := range payloads {
		items[i] = NewItem(p)
		ids[i] = items[i].ID
	}
	b.q.EnqueueAll(items...)
	return ids
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int { return b.q.Len() }

// Running reports whether Run is active.
func (b *Buffer[T]) Running() bool { return b.running.Load() }

// Stats returns the current counters.
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Depth:     b.q.Len(),
		Processed: b.processed.Load(),
		Retried:   b.retried.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close releases the depth gauge callback registered with the meter.
// The queue itself is left untouched. Close is safe to call more than once.
func (b *Buffer[T]) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.metrics.unregister()
	})
	return b.closeErr
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned. An item being handled when ctx is cancelled is put
// back at the head without using up an attempt. Run can be called again
// after it returns; call Close once the buffer is no longer needed.
func (b *Buffer[T]) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	b.logger.Info("retry buffer starting",
		slog.Int("workers", b.config.Workers),
		slog.Int("max_attempts", b.config.MaxAttempts),
		slog.Int("depth", b.q.Len()),
	)

	var wg sync.WaitGroup
	for i := range b.config.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx, i)
		}()
	}

	if b.config.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.statsLoop(ctx)
		}()
	}

	wg.Wait()

	b.logger.Info("retry buffer stopped", slog.Int("depth", b.q.Len()))
	return nil
}

// work is run by each worker goroutine.
func (b *Buffer[T]) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		if b.q.IsEmpty() {
			if !b.idle(ctx, time.Now(), time.Time{}) {
				return
			}
			continue
		}

		// Take the rate token before the item, so an item never waits
		// outside the queue.
		res, ok := b.reserve(ctx)
		if !ok {
			return
		}

		now := time.Now()
		var notBefore time.Time
		it, ok := b.q.DequeueIf(func(it *Item[T]) bool {
			if it == nil || it.due(now) {
				return true
			}
			notBefore = it.NotBefore
			return false
		})
		if !ok {
			if res != nil {
				res.Cancel()
			}
			if !b.idle(ctx, now, notBefore) {
				return
			}
			continue
		}
		if it == nil {
			continue
		}

		b.process(ctx, worker, it)
	}
}

// reserve takes one token from the rate limiter, sleeping until it is
// available. It returns false only if ctx is cancelled while waiting.
// Unlike Limiter.Wait, a ctx deadline earlier than the token is not an
// error: the worker keeps waiting until ctx is actually done.
func (b *Buffer[T]) reserve(ctx context.Context) (*rate.Reservation, bool) {
	if b.limiter == nil {
		return nil, true
	}

	r := b.limiter.Reserve()
	d := r.Delay()
	if d <= 0 {
		return r, true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return nil, false
	case <-timer.C:
		return r, true
	}
}

// idle sleeps until notBefore or for PollInterval, whichever is sooner.
// A zero notBefore means the queue was empty. It returns false if ctx was
// cancelled.
//
// notBefore is captured inside DequeueIf: once the lock is released the
// head item may belong to another worker.
func (b *Buffer[T]) idle(ctx context.Context, now, notBefore time.Time) bool {
	wait := b.config.PollInterval
	if !notBefore.IsZero() {
		if d := notBefore.Sub(now); d < wait {
			wait = d
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Buffer[T]) process(ctx context.Context, worker int, it *Item[T]) {
	start := time.Now()
	err := b.invoke(ctx, it)
	elapsed := time.Since(start)

	if err == nil {
		it.Attempt++
		b.processed.Add(1)
		b.metrics.record(ctx, outcomeOK, elapsed.Seconds())
		b.logger.Debug("item handled",
			slog.String("item_id", it.ID.String()),
			slog.Int("worker", worker),
			slog.Int("attempt", it.Attempt),
			slog.Duration("elapsed", elapsed),
		)
		return
	}

	// Shutting down: the attempt did not get a fair run.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.q.InsertFirst(it)
		return
	}

	it.Attempt++
	it.LastErr = err

	if attempt := it.Attempt; attempt < b.config.MaxAttempts {
		delay := b.backoff.Delay(attempt)
		it.NotBefore = time.Now().Add(delay)
		// Another worker may own it from here on.
		b.q.InsertFirst(it)
		b.retried.Add(1)
		b.metrics.record(ctx, outcomeRetry, elapsed.Seconds())
		b.logger.Info("item scheduled for retry",
			slog.String("item_id", it.ID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", b.config.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		return
	}

	b.dropped.Add(1)
	b.metrics.record(ctx, outcomeDropped, elapsed.Seconds())
	b.logger.Warn("item dropped after max attempts",
		slog.String("item_id", it.ID.String()),
		slog.Int("attempts", it.Attempt),
		slog.String("error", err.Error()),
	)
	if b.onDrop != nil {
		b.onDrop(it)
	}
}

// invoke calls the handler, converting a panic into ErrHandlerPanic.
func (b *Buffer[T]) invoke(ctx context.Context, it *Item[T]) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("retry handler panicked",
				slog.String("item_id", it.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return b.handler(ctx, it.Payload)
}

func (b *Buffer[T]) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := b.Stats()
			b.logger.Info("retry buffer stats",
				slog.Int("depth", s.Depth),
				slog.Int64("processed", s.Processed),
				slog.Int64("retried", s.Retried),
				slog.Int64("dropped", s.Dropped),
			)
		}
	}
}
