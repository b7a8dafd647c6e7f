// Package pipeline wires a trace/poll producer to the recorder and
// layout engine across worker goroutines, matching the three-role
// concurrency model: a producer worker blocked on kernel or /proc
// waits, a collector worker draining an unbounded event queue, and a
// consumer that only ever reads a published snapshot under a mutex.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/KarelPeeters/wtf/pkg/layout"
	"github.com/KarelPeeters/wtf/pkg/record"
	"github.com/KarelPeeters/wtf/pkg/tlog"
	"github.com/KarelPeeters/wtf/pkg/trace"
)

// Producer is the shape shared by trace.RecordTrace and poll.RecordPoll
// once their own Config is bound: spawn path(argv...), observe it, and
// deliver one Event per call to callback until it returns Break, the
// context is cancelled, or the traced subtree is gone.
type Producer func(ctx context.Context, path string, argv []string, callback trace.Callback) error

// Config for a Pipeline.
type Config struct {
	// Producer feeds the event stream.
	Producer Producer
	// Logger, if non-nil, receives every event before it is queued.
	Logger tlog.Logger
}

// Snapshot is what the collector publishes after each drained batch: the
// recorder's state plus both layout projections (include_threads false
// and true), computed fresh every time.
type Snapshot struct {
	Recording         *record.Recording
	PlacedProcesses   *layout.PlacedProcess
	PlacedWithThreads *layout.PlacedProcess
}

// Pipeline runs one producer/collector pair and exposes the latest
// published Snapshot to readers.
type Pipeline struct {
	produce Producer
	logger  tlog.Logger

	queue   *eventQueue
	updates chan struct{}

	snapMu sync.Mutex
	snap   *Snapshot
}

// New builds a Pipeline around cfg.Producer.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		produce: cfg.Producer,
		logger:  cfg.Logger,
		queue:   newEventQueue(),
		updates: make(chan struct{}, 1),
	}
}

// Updates signals each time a new Snapshot has been published. The channel
// carries at most one pending notification; a consumer that falls behind
// coalesces intermediate publishes and just reads the latest Snapshot.
func (p *Pipeline) Updates() <-chan struct{} {
	return p.updates
}

// Snapshot returns the most recently published Snapshot, or nil if the
// collector hasn't produced one yet (no root pid has been observed).
func (p *Pipeline) Snapshot() *Snapshot {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	return p.snap
}

// Run starts the producer and collector workers and blocks until both
// finish: the traced subtree exited, the context was cancelled, or
// either worker failed. Cancelling ctx is cooperative and idempotent —
// the producer's callback observes it before each queue send, and the
// collector observes it between batches.
func (p *Pipeline) Run(ctx context.Context, path string, argv []string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer p.queue.close()
		return p.produce(gctx, path, argv, func(ev trace.Event) trace.Signal {
			if p.logger != nil {
				p.logger.LogEvent(ev)
			}
			select {
			case <-gctx.Done():
				return trace.Break
			default:
			}
			p.queue.push(ev)
			return trace.Continue
		})
	})

	g.Go(func() error {
		rec := record.New()
		for {
			events, ok := p.queue.drain()
			if !ok {
				return nil
			}
			for _, ev := range events {
				if err := rec.Apply(ev); err != nil {
					return fmt.Errorf("pipeline: collector: %w", err)
				}
			}

			if rec.RootPid != nil {
				if err := p.recomputeAndPublish(rec); err != nil {
					return err
				}
			}

			select {
			case <-gctx.Done():
				return nil
			default:
			}
		}
	})

	return g.Wait()
}

func (p *Pipeline) recomputeAndPublish(rec *record.Recording) error {
	withoutThreads, err := layout.Place(rec, false)
	if err != nil {
		return fmt.Errorf("pipeline: layout (include_threads=false): %w", err)
	}
	withThreads, err := layout.Place(rec, true)
	if err != nil {
		return fmt.Errorf("pipeline: layout (include_threads=true): %w", err)
	}

	p.snapMu.Lock()
	p.snap = &Snapshot{
		Recording:         rec.Snapshot(),
		PlacedProcesses:   withoutThreads,
		PlacedWithThreads: withThreads,
	}
	p.snapMu.Unlock()

	select {
	case p.updates <- struct{}{}:
	default:
	}
	return nil
}
