// Command queuebench measures ConcurrentQueue throughput with several
// producer and consumer goroutines, against a buffered channel.
//
// Usage:
//
//	go run ./cmd/queuebench -n 10000000 -producers 4 -consumers 4
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/safequeue/internal/queue"
)

func main() {
	iterations := flag.Int("n", 10_000_000, "total number of items")
	producers := flag.Int("producers", 4, "producer goroutines")
	consumers := flag.Int("consumers", 4, "consumer goroutines")
	size := flag.Int("size", 1024, "channel buffer size")
	flag.Parse()

	if *producers < 1 || *consumers < 1 || *iterations < 1 {
		fmt.Fprintln(os.Stderr, "queuebench: -n, -producers and -consumers must be >= 1")
		os.Exit(2)
	}

	fmt.Printf("Benchmarking MPMC queue (%d items, %d producers, %d consumers)\n",
		*iterations, *producers, *consumers)
	fmt.Println("─────────────────────────────────────────────────")

	q := queue.New[int]()
	qDur := run(*iterations, *producers, *consumers,
		func(v int) { q.Enqueue(v) },
		func() bool { _, ok := q.Dequeue(); return ok },
	)

	ch := make(chan int, *size)
	chDur := run(*iterations, *producers, *consumers,
		func(v int) { ch <- v },
		func() bool {
			select {
			case <-ch:
				return true
			default:
				return false
			}
		},
	)

	// Results
	qPerOp := float64(qDur.Nanoseconds()) / float64(*iterations)
	chPerOp := float64(chDur.Nanoseconds()) / float64(*iterations)

	fmt.Printf("\nResults (enqueue + dequeue per item):\n")
	fmt.Printf("  ConcurrentQueue:  %v (%.2f ns/op)\n", qDur, qPerOp)
	fmt.Printf("  Channel:          %v (%.2f ns/op)\n", chDur, chPerOp)

	if qPerOp < chPerOp {
		fmt.Printf("\n  Speedup:  %.2fx (ConcurrentQueue faster)\n", chPerOp/qPerOp)
	} else {
		fmt.Printf("\n  Speedup:  %.2fx (Channel faster)\n", qPerOp/chPerOp)
	}

	fmt.Printf("\nThroughput:\n")
	fmt.Printf("  ConcurrentQueue:  %.2f M items/sec\n", 1000/qPerOp)
	fmt.Printf("  Channel:          %.2f M items/sec\n", 1000/chPerOp)
}

// run splits n items across producers and drains them with consumers,
// returning the time until the last item was taken.
func run(n, producers, consumers int, push func(int), pop func() bool) time.Duration {
	var (
		wg        sync.WaitGroup
		remaining atomic.Int64
	)
	remaining.Store(int64(n))

	start := time.Now()

	for p := 0; p < producers; p++ {
		count := n / producers
		if p < n%producers {
			count++
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < count; i++ {
				push(i)
			}
		}()
	}

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for remaining.Load() > 0 {
				if pop() {
					remaining.Add(-1)
				}
			}
		}()
	}

	wg.Wait()
	return time.Since(start)
}
