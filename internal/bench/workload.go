// Package bench drives a synthetic request workload against a taint map:
// goroutines allocate values, taint them, look them up and drop them while a
// collector goroutine forces garbage collection.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

// Default workload parameters.
const (
	DefaultGoroutines = 8
	DefaultOps        = 100_000
	DefaultChurn      = 0.5
	DefaultGetRatio   = 0.5
	DefaultLive       = 1024
	DefaultGCInterval = 50 * time.Millisecond
)

// cancelCheckMask controls how often workers look at the context.
const cancelCheckMask = 1<<10 - 1

// Workload validation errors.
var (
	ErrInvalidGoroutines = errors.New("goroutines must be positive")
	ErrInvalidOps        = errors.New("ops must be positive")
	ErrInvalidChurn      = errors.New("churn must be within [0, 1]")
	ErrInvalidGetRatio   = errors.New("get ratio must be within [0, 1]")
	ErrInvalidLive       = errors.New("live set must be positive")
)

// Workload describes the synthetic traffic.
type Workload struct {
	// Goroutines is the number of concurrent workers.
	Goroutines int `json:"goroutines" yaml:"goroutines"`
	// Ops is the number of operations per worker.
	Ops int `json:"ops" yaml:"ops"`
	// Churn is the share of tainted values dropped right after the put.
	Churn float64 `json:"churn" yaml:"churn"`
	// GetRatio is the share of operations that are lookups.
	GetRatio float64 `json:"get_ratio" yaml:"get_ratio"`
	// Live is the number of values each worker keeps reachable.
	Live int `json:"live" yaml:"live"`
	// GCInterval is the period of forced collections; zero disables them.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
	// Seed makes the operation mix reproducible.
	Seed uint64 `json:"seed" yaml:"seed"`
}

// DefaultWorkload returns the workload used when no flag overrides it.
func DefaultWorkload() Workload {
	return Workload{
		Goroutines: DefaultGoroutines,
		Ops:        DefaultOps,
		Churn:      DefaultChurn,
		GetRatio:   DefaultGetRatio,
		Live:       DefaultLive,
		GCInterval: DefaultGCInterval,
	}
}

// Validate checks the workload bounds.
func (w Workload) Validate() error {
	switch {
	case w.Goroutines <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidGoroutines, w.Goroutines)
	case w.Ops <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidOps, w.Ops)
	case w.Churn < 0 || w.Churn > 1:
		return fmt.Errorf("%w: %v", ErrInvalidChurn, w.Churn)
	case w.GetRatio < 0 || w.GetRatio > 1:
		return fmt.Errorf("%w: %v", ErrInvalidGetRatio, w.GetRatio)
	case w.Live <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidLive, w.Live)
	}

	return nil
}

// Result is the outcome of one run.
type Result struct {
	Workload   Workload         `json:"workload" yaml:"workload"`
	Elapsed    time.Duration    `json:"elapsed" yaml:"elapsed"`
	Ops        int64            `json:"ops" yaml:"ops"`
	Puts       int64            `json:"puts" yaml:"puts"`
	Gets       int64            `json:"gets" yaml:"gets"`
	Hits       int64            `json:"hits" yaml:"hits"`
	GCs        int64            `json:"gcs" yaml:"gcs"`
	Flat       bool             `json:"flat" yaml:"flat"`
	Count      int              `json:"count" yaml:"count"`
	Counters   taint.Counters   `json:"counters" yaml:"counters"`
	Statistics taint.Statistics `json:"statistics" yaml:"statistics"`
}

// OpsPerSecond returns the throughput of the run.
func (r Result) OpsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return float64(r.Ops) / r.Elapsed.Seconds()
}

// HitRate returns the share of lookups that found their value.
func (r Result) HitRate() float64 {
	if r.Gets == 0 {
		return 0
	}

	return float64(r.Hits) / float64(r.Gets)
}

// value is the allocation the workers taint. It is larger than the tiny
// allocator block so each value is collected on its own.
type value struct {
	id   uint64
	data [48]byte
}

type counters struct {
	puts atomic.Int64
	gets atomic.Int64
	hits atomic.Int64
	gcs  atomic.Int64
}

// Run executes w against m and returns the collected result. It stops early,
// returning the context error, when ctx is cancelled.
func Run(ctx context.Context, m taint.TaintedMap, w Workload) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}

	var c counters

	objects := taint.NewTaintedObjects(m)
	source := taint.NewSource(taint.OriginBody, "bench", "")

	gcCtx, stopGC := context.WithCancel(ctx)
	gcDone := make(chan struct{})

	go func() {
		defer close(gcDone)
		collect(gcCtx, w.GCInterval, &c)
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for worker := range w.Goroutines {
		g.Go(func() error {
			return runWorker(gctx, objects, source, w, uint64(worker), &c)
		})
	}

	err := g.Wait()
	elapsed := time.Since(start)

	stopGC()
	<-gcDone

	res := Result{
		Workload: w,
		Elapsed:  elapsed,
		Puts:     c.puts.Load(),
		Gets:     c.gets.Load(),
		Hits:     c.hits.Load(),
		GCs:      c.gcs.Load(),
		Flat:     m.IsFlat(),
		Count:    m.Count(),
	}
	res.Ops = res.Puts + res.Gets

	if cp, ok := m.(taint.CountersProvider); ok {
		res.Counters = cp.Counters()
	}

	if sp, ok := m.(taint.StatisticsProvider); ok {
		res.Statistics = sp.Statistics()
	}

	if err != nil {
		return res, fmt.Errorf("run workload: %w", err)
	}

	return res, nil
}

func collect(ctx context.Context, interval time.Duration, c *counters) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.GC()
			c.gcs.Add(1)
		}
	}
}

func runWorker(
	ctx context.Context, objects *taint.TaintedObjects, source taint.Source, w Workload, worker uint64, c *counters,
) error {
	rng := rand.New(rand.NewPCG(w.Seed, worker))
	live := make([]*value, w.Live)
	next := 0

	for op := range w.Ops {
		if op&cancelCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if rng.Float64() < w.GetRatio {
			c.gets.Add(1)

			v := live[rng.IntN(len(live))]
			if v != nil && objects.IsTainted(taint.KeyOf(v)) {
				c.hits.Add(1)
			}

			continue
		}

		v := &value{id: worker<<32 | uint64(op)}
		objects.TaintInputObject(taint.KeyOf(v), source)
		c.puts.Add(1)

		if rng.Float64() >= w.Churn {
			live[next] = v
			next = (next + 1) % len(live)
		}
	}

	runtime.KeepAlive(live)

	return nil
}
