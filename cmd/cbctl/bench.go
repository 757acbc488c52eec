package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pior/couchcore"
	"github.com/pior/couchcore/mcbp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	workloadCacheHit     = "cache-hit"
	workloadDynamicValue = "dynamic-value"
	workloadCacheMiss    = "cache-miss"
	workloadIncrement    = "increment"
	workloadDelete       = "delete"
	workloadAll          = "all"
)

var workloads = []string{workloadCacheHit, workloadDynamicValue, workloadCacheMiss, workloadIncrement, workloadDelete}

type benchResult struct {
	Workload  string
	Duration  time.Duration
	TotalOps  int64
	Successes int64
	Failures  int64
	Latency   time.Duration // sum over all operations
	Mismatch  string        // first correctness failure, if any
}

func (r *benchResult) AvgLatency() time.Duration {
	if r.TotalOps == 0 {
		return 0
	}
	return r.Latency / time.Duration(r.TotalOps)
}

func (r *benchResult) OpsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.TotalOps) / r.Duration.Seconds()
}

// bench runs one workload against the client from several workers.
type bench struct {
	client      *couchcore.Client
	duration    time.Duration
	concurrency int

	ops, successes, failures, latency atomic.Int64
	mismatch                          atomic.Pointer[string]
}

// do executes op and accounts its outcome. A nil check accepts any result.
// Operations cut short by the end of the run are not counted.
func (b *bench) do(ctx context.Context, op *couchcore.Operation, check func(*couchcore.Result, error) bool) {
	start := time.Now()
	res, err := b.client.Execute(ctx, op)
	if err != nil && ctx.Err() != nil {
		return
	}
	b.latency.Add(int64(time.Since(start)))
	b.ops.Add(1)

	ok := err == nil
	if check != nil {
		ok = check(res, err)
	}
	if ok {
		b.successes.Add(1)
	} else {
		b.failures.Add(1)
	}
}

func (b *bench) fail(msg string) {
	b.mismatch.CompareAndSwap(nil, &msg)
}

func (b *bench) run(ctx context.Context, workload string) (*benchResult, error) {
	var worker func(ctx context.Context, id int)

	// Per-worker state, only touched by the worker owning the index.
	seq := make([]int, b.concurrency)
	last := make([]uint64, b.concurrency)

	switch workload {
	case workloadCacheHit:
		value := []byte("cache-hit-value")
		if _, err := b.client.Execute(ctx, couchcore.NewSetOperation("cbctl-bench-hit", value, 0, time.Hour)); err != nil {
			return nil, fmt.Errorf("seeding cache-hit key: %w", err)
		}
		worker = func(ctx context.Context, _ int) {
			b.do(ctx, couchcore.NewGetOperation("cbctl-bench-hit"), func(res *couchcore.Result, err error) bool {
				if err != nil {
					return false
				}
				if !bytes.Equal(res.Value, value) {
					b.fail("value mismatch")
				}
				return true
			})
		}

	case workloadDynamicValue:
		worker = func(ctx context.Context, id int) {
			seq[id]++
			key := fmt.Sprintf("cbctl-bench-dyn-%d-%d", id, seq[id])
			value := []byte(fmt.Sprintf("value-%d-%d", id, seq[id]))
			b.do(ctx, couchcore.NewSetOperation(key, value, 0, time.Hour), nil)
			b.do(ctx, couchcore.NewGetOperation(key), func(res *couchcore.Result, err error) bool {
				if err != nil {
					return false
				}
				if !bytes.Equal(res.Value, value) {
					b.fail("value mismatch")
				}
				return true
			})
		}

	case workloadCacheMiss:
		worker = func(ctx context.Context, id int) {
			seq[id]++
			key := fmt.Sprintf("cbctl-bench-missing-%d-%d", id, seq[id])
			b.do(ctx, couchcore.NewGetOperation(key), func(_ *couchcore.Result, err error) bool {
				if err == nil {
					b.fail("expected a miss but got a value")
					return false
				}
				return mcbp.IsStatus(err, mcbp.StatusKeyNotFound)
			})
		}

	case workloadIncrement:
		if _, err := b.client.Execute(ctx, couchcore.NewDeleteOperation("cbctl-bench-counter")); err != nil && !mcbp.IsStatus(err, mcbp.StatusKeyNotFound) {
			return nil, fmt.Errorf("resetting counter: %w", err)
		}
		worker = func(ctx context.Context, id int) {
			b.do(ctx, couchcore.NewIncrementOperation("cbctl-bench-counter", 1, 1, time.Hour), func(res *couchcore.Result, err error) bool {
				if err != nil {
					return false
				}
				// A worker sees its own increments in order.
				v := res.Counter()
				if v <= last[id] {
					b.fail(fmt.Sprintf("counter went from %d to %d", last[id], v))
				}
				last[id] = v
				return true
			})
		}

	case workloadDelete:
		worker = func(ctx context.Context, id int) {
			seq[id]++
			key := fmt.Sprintf("cbctl-bench-del-%d-%d", id, seq[id])
			b.do(ctx, couchcore.NewSetOperation(key, []byte("x"), 0, time.Hour), nil)
			b.do(ctx, couchcore.NewDeleteOperation(key), func(_ *couchcore.Result, err error) bool {
				return err == nil || mcbp.IsStatus(err, mcbp.StatusKeyNotFound)
			})
		}

	default:
		return nil, fmt.Errorf("unknown workload %q", workload)
	}

	ctx, cancel := context.WithTimeout(ctx, b.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for id := range b.concurrency {
		g.Go(func() error {
			for gctx.Err() == nil {
				worker(gctx, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	r := &benchResult{
		Workload:  workload,
		Duration:  time.Since(start),
		TotalOps:  b.ops.Load(),
		Successes: b.successes.Load(),
		Failures:  b.failures.Load(),
		Latency:   time.Duration(b.latency.Load()),
	}
	if m := b.mismatch.Load(); m != nil {
		r.Mismatch = *m
	}
	return r, nil
}

func printBenchResult(out io.Writer, r *benchResult) {
	fmt.Fprintf(out, "%s: %d ops in %s, %.0f ops/s, avg %s, %d failures",
		r.Workload, r.TotalOps, r.Duration.Round(time.Millisecond), r.OpsPerSecond(), r.AvgLatency(), r.Failures)
	if r.Mismatch != "" {
		fmt.Fprintf(out, ", incorrect: %s", r.Mismatch)
	}
	fmt.Fprintln(out)
}

func (a *app) benchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a load workload and report throughput and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workload, _ := cmd.Flags().GetString("workload")
			duration, _ := cmd.Flags().GetDuration("duration")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1")
			}

			selected := []string{workload}
			if workload == workloadAll {
				selected = workloads
			}

			for _, w := range selected {
				b := &bench{client: a.client, duration: duration, concurrency: concurrency}
				r, err := b.run(cmd.Context(), w)
				if err != nil {
					return err
				}
				printBenchResult(cmd.OutOrStdout(), r)
				if r.Mismatch != "" {
					return fmt.Errorf("%s: %s", w, r.Mismatch)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("workload", workloadAll, "cache-hit, dynamic-value, cache-miss, increment, delete or all")
	cmd.Flags().Duration("duration", 5*time.Second, "how long each workload runs")
	cmd.Flags().Int("concurrency", 4, "number of workers")
	return cmd
}
