// Package layout assigns every recorded task a vertical row such that
// temporally overlapping tasks never share one, ancestors enclose
// descendants, and rows are reused greedily once a task ends. It consumes
// a record.Recording snapshot and never mutates it.
package layout

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/KarelPeeters/wtf/pkg/record"
	"github.com/KarelPeeters/wtf/pkg/trace"
)

// ErrNoRoot is returned by Place when the recording has not yet observed
// any ProcessStart, so there is nothing to lay out.
var ErrNoRoot = errors.New("recording has no root pid yet")

// timeBoundCacheSize bounds the per-call memoization cache. The recorder
// can accumulate far more tasks than any single layout pass needs to
// revisit, so an LRU keeps the cache's footprint flat across long-running
// sessions.
const timeBoundCacheSize = 4096

// PlacedProcess is one task's placement within its parent's row space.
// RowOffset is relative to the parent's own row (0 reserved for the
// parent's header band); absolute row is the sum of RowOffset along the
// path from the root plus this node's own RowOffset.
type PlacedProcess struct {
	Pid trace.TaskId

	TimeBound record.TimeRange
	RowOffset int
	RowHeight int

	Children []*PlacedProcess
}

// timeCache memoizes time bounds by pid for the duration of one Place call.
type timeCache struct {
	lru *lru.Cache[trace.TaskId, record.TimeRange]
}

func newTimeCache() (*timeCache, error) {
	c, err := lru.New[trace.TaskId, record.TimeRange](timeBoundCacheSize)
	if err != nil {
		return nil, err
	}
	return &timeCache{lru: c}, nil
}

// Place builds a fresh PlacedProcess tree rooted at rec's root pid.
// includeThreads controls whether thread edges get their own row
// (true) or are transparently flattened into their enclosing process
// (false, see effectiveChildren).
func Place(rec *record.Recording, includeThreads bool) (*PlacedProcess, error) {
	if rec.RootPid == nil {
		return nil, fmt.Errorf("layout: %w", ErrNoRoot)
	}
	cache, err := newTimeCache()
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}
	return placeProcess(rec, cache, includeThreads, *rec.RootPid), nil
}

// bucket collects the children starting and/or ending at one time point.
type bucket struct {
	starts []trace.TaskId
	ends   []trace.TaskId
}

func placeProcess(rec *record.Recording, cache *timeCache, includeThreads bool, pid trace.TaskId) *PlacedProcess {
	children := effectiveChildren(rec, pid, includeThreads)

	// Bucket children by time bound start/end, in the order children were
	// first encountered, so that ties at a shared instant are broken by
	// kernel-observed child-list order.
	timeToEvents := orderedmap.New[float32, *bucket]()
	for _, c := range children {
		tb := timeBound(rec, cache, c)
		if tb.End != nil && *tb.End == tb.Start {
			// Zero-duration child: known edge case, excluded from the sweep.
			continue
		}

		startBucket, ok := timeToEvents.Get(tb.Start)
		if !ok {
			startBucket = &bucket{}
			timeToEvents.Set(tb.Start, startBucket)
		}
		startBucket.starts = append(startBucket.starts, c)

		if tb.End != nil {
			endBucket, ok := timeToEvents.Get(*tb.End)
			if !ok {
				endBucket = &bucket{}
				timeToEvents.Set(*tb.End, endBucket)
			}
			endBucket.ends = append(endBucket.ends, c)
		}
		// Unknown end: never released within this pass, occupies its row
		// until the sweep finishes.
	}

	sortedTimes := make([]float32, 0, timeToEvents.Len())
	for pair := timeToEvents.Oldest(); pair != nil; pair = pair.Next() {
		sortedTimes = append(sortedTimes, pair.Key)
	}
	sortFloat32sStable(sortedTimes)

	free := newFreeList()
	activeRanges := map[trace.TaskId]rowRange{}
	var placedChildren []*PlacedProcess

	for _, t := range sortedTimes {
		b, _ := timeToEvents.Get(t)

		for _, child := range b.ends {
			r := activeRanges[child]
			delete(activeRanges, child)
			free.release(r)
		}

		for _, child := range b.starts {
			childPlaced := placeProcess(rec, cache, includeThreads, child)
			row := free.allocate(childPlaced.RowHeight)
			childPlaced.RowOffset = 1 + row
			activeRanges[child] = rowRange{start: row, end: row + childPlaced.RowHeight}
			placedChildren = append(placedChildren, childPlaced)
		}
	}

	return &PlacedProcess{
		Pid:       pid,
		TimeBound: timeBound(rec, cache, pid),
		RowOffset: 0,
		RowHeight: 1 + free.len(),
		Children:  placedChildren,
	}
}

// effectiveChildren returns the children placeProcess should lay out for
// pid. With includeThreads, every child edge (process or thread) gets its
// own row. Otherwise thread edges are transparent: the effective children
// of pid are the process children reachable by walking through an
// unbroken chain of thread edges starting at pid.
func effectiveChildren(rec *record.Recording, pid trace.TaskId, includeThreads bool) []trace.TaskId {
	info, ok := rec.Processes.Get(pid)
	if !ok {
		return nil
	}

	// A child edge can be observed before the child's own start event;
	// such a child has no ProcessInfo yet and cannot be placed this pass.
	if includeThreads {
		out := make([]trace.TaskId, 0, len(info.Children))
		for _, c := range info.Children {
			if _, known := rec.Processes.Get(c.Child); known {
				out = append(out, c.Child)
			}
		}
		return out
	}

	var out []trace.TaskId
	var walk func(trace.TaskId)
	walk = func(id trace.TaskId) {
		cur, ok := rec.Processes.Get(id)
		if !ok {
			return
		}
		for _, c := range cur.Children {
			if _, known := rec.Processes.Get(c.Child); !known {
				continue
			}
			if c.Kind == trace.Process {
				out = append(out, c.Child)
			} else {
				walk(c.Child)
			}
		}
	}
	walk(pid)
	return out
}

// timeBound computes (and memoizes) the smallest time range enclosing
// pid's own lifetime, its execs, and every *original* child's time bound
// (not the effective/flattened projection — a thread's bound still widens
// its parent's bound even when the thread itself won't get its own row).
func timeBound(rec *record.Recording, cache *timeCache, pid trace.TaskId) record.TimeRange {
	if tb, ok := cache.lru.Get(pid); ok {
		return tb
	}

	info, ok := rec.Processes.Get(pid)
	if !ok {
		return record.TimeRange{}
	}

	start := info.Time.Start
	var end *float32
	known := true
	if info.Time.End != nil {
		e := *info.Time.End
		end = &e
	} else {
		known = false
	}

	for _, ex := range info.Execs {
		if ex.Time < start {
			start = ex.Time
		}
	}

	for _, c := range info.Children {
		if _, known := rec.Processes.Get(c.Child); !known {
			continue
		}
		cb := timeBound(rec, cache, c.Child)
		if cb.Start < start {
			start = cb.Start
		}
		if known {
			if cb.End == nil {
				known = false
				end = nil
			} else if end == nil || *cb.End > *end {
				e := *cb.End
				end = &e
			}
		}
	}

	res := record.TimeRange{Start: start, End: end}
	cache.lru.Add(pid, res)
	return res
}
