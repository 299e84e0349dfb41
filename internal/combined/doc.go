// Package combined provides pipeline benchmarks where several producer and
// consumer goroutines share one queue.
//
// These benchmarks are more representative of real-world use than the
// single-goroutine micro-benchmarks in package queue, as they include
// lock contention between producers, consumers and readers.
package combined
