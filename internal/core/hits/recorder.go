// Package hits records rule usage off the redirect path.
//
// Record is a lock-free atomic add on a per-rule pending counter. A flusher
// drains the counters into storage with a single relative update per rule
// (hit_count = hit_count + n), so N recorded hits always raise the stored
// count by exactly N no matter how callers interleave. A failed write puts
// its count back for the next flush.
package hits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/redirector/internal/metrics"
	"github.com/solatis/redirector/internal/types"
)

// DefaultFlushInterval is used when Config.FlushInterval is zero.
const DefaultFlushInterval = time.Second

// finalFlushTimeout bounds the flush performed when Run's context ends.
const finalFlushTimeout = 10 * time.Second

// Sink applies an atomic relative increment at the storage layer. It must
// return an error wrapping types.ErrRuleNotFound for deleted rules.
type Sink interface {
	IncrementHits(ctx context.Context, id types.RuleID, n uint64, at time.Time) error
}

// Config configures a Recorder.
type Config struct {
	FlushInterval time.Duration
	Logger        *zap.SugaredLogger
}

type pending struct {
	n    atomic.Uint64
	last atomic.Int64 // unix nanoseconds of the newest hit
}

// Recorder coalesces hits per rule until the next flush.
type Recorder struct {
	sink     Sink
	interval time.Duration
	log      *zap.SugaredLogger

	counters sync.Map // types.RuleID -> *pending
	flushMu  sync.Mutex
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, cfg Config) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Recorder{sink: sink, interval: cfg.FlushInterval, log: cfg.Logger}
}

// Record notes one hit of rule id at time at. It never blocks on storage.
func (r *Recorder) Record(id types.RuleID, at time.Time) {
	v, ok := r.counters.Load(id)
	if !ok {
		v, _ = r.counters.LoadOrStore(id, &pending{})
	}
	p := v.(*pending)
	p.n.Add(1)

	ts := at.UnixNano()
	for {
		cur := p.last.Load()
		if ts <= cur || p.last.CompareAndSwap(cur, ts) {
			break
		}
	}
}

// Pending returns the number of hits not yet written.
func (r *Recorder) Pending() uint64 {
	var total uint64
	r.counters.Range(func(_, v any) bool {
		total += v.(*pending).n.Load()
		return true
	})
	return total
}

// Flush writes every pending count. Counts whose write failed stay pending;
// the returned error joins the individual failures.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var errs []error
	r.counters.Range(func(k, v any) bool {
		id := k.(types.RuleID)
		p := v.(*pending)

		n := p.n.Swap(0)
		if n == 0 {
			return true
		}
		at := time.Unix(0, p.last.Load()).UTC()

		if err := r.sink.IncrementHits(ctx, id, n, at); err != nil {
			if errors.Is(err, types.ErrRuleNotFound) {
				r.counters.Delete(id)
				r.log.Debugw("dropping hits for deleted rule", "rule_id", id, "hits", n)
				return true
			}
			p.n.Add(n)
			metrics.HitFlushFailures.Inc()
			errs = append(errs, err)
			return ctx.Err() == nil
		}

		metrics.HitsFlushed.Add(float64(n))
		return true
	})

	return errors.Join(errs...)
}

// Run flushes every interval until ctx ends, then flushes once more.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.Close(context.WithoutCancel(ctx))
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Warnw("hit counter flush failed; will retry", "error", err, "pending", r.Pending())
			}
		}
	}
}

// Close performs a bounded final flush.
func (r *Recorder) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, finalFlushTimeout)
	defer cancel()

	if err := r.Flush(ctx); err != nil {
		r.log.Errorw("final hit counter flush failed", "error", err, "lost", r.Pending())
		return err
	}
	return nil
}
