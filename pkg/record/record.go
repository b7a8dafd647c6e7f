// Package record holds the authoritative in-memory model of a traced
// process tree: the Recording. It is updated strictly by applying a
// linear stream of trace.Event values and never reaches back into the
// tracer or poller that produced them.
package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/KarelPeeters/wtf/pkg/trace"
)

var (
	// ErrDuplicatePid reports a ProcessStart for a pid already in the map,
	// which means session-local pid reuse or a producer bug.
	ErrDuplicatePid = errors.New("pid already present")
	// ErrUnknownPid reports an exit/child/exec event for a pid that never
	// had a ProcessStart.
	ErrUnknownPid = errors.New("pid unknown")
)

// TimeRange is a task's (or exec's) known lifetime. End is nil while the
// task is still alive, or if its end is simply not yet known.
type TimeRange struct {
	Start float32
	End   *float32
}

// ProcessExec is one observed program-image replacement.
type ProcessExec struct {
	Time float32
	Cwd  *string
	Path string
	Argv []string
}

// ChildRef is one append-only entry in a process's child list.
type ChildRef struct {
	Kind  trace.ProcessKind
	Child trace.TaskId
}

// ProcessInfo is everything recorded about a single task.
type ProcessInfo struct {
	Pid      trace.TaskId
	Time     TimeRange
	Execs    []ProcessExec
	Children []ChildRef
}

// Recording is the full state built up by applying events in order.
// Processes is insertion-ordered: iteration order mirrors the order
// ProcessStart events were observed in, which consumers iterating the map
// (e.g. a process listing) can rely on. The layout engine does not use this
// order: it breaks ties by each parent's Children order.
type Recording struct {
	TimeStart *time.Time
	Running   bool
	RootPid   *trace.TaskId
	Processes *orderedmap.OrderedMap[trace.TaskId, *ProcessInfo]
}

// New returns an empty, running Recording with no processes yet.
func New() *Recording {
	return &Recording{
		Running:   true,
		Processes: orderedmap.New[trace.TaskId, *ProcessInfo](),
	}
}

// Apply advances the recording by one event. A ProcessStart for an
// already-present pid and a ProcessExit/ProcessChild/ProcessExec for an
// unknown pid are programming errors: they indicate either session-local
// pid reuse (assumed not to happen) or a tracer/poller bug. Both are
// reported as errors rather than panics so a caller can choose whether to
// abort or log-and-drop.
func (r *Recording) Apply(event trace.Event) error {
	switch e := event.(type) {
	case trace.TraceStartEvent:
		t := e.Time
		r.TimeStart = &t

	case trace.TraceEndEvent:
		r.Running = false

	case trace.ProcessStartEvent:
		if _, exists := r.Processes.Get(e.Pid); exists {
			return fmt.Errorf("record: ProcessStart for pid %d: %w", e.Pid, ErrDuplicatePid)
		}
		r.Processes.Set(e.Pid, &ProcessInfo{
			Pid:  e.Pid,
			Time: TimeRange{Start: e.Time},
		})
		if r.RootPid == nil {
			pid := e.Pid
			r.RootPid = &pid
		}

	case trace.ProcessExitEvent:
		info, ok := r.Processes.Get(e.Pid)
		if !ok {
			return fmt.Errorf("record: ProcessExit for pid %d: %w", e.Pid, ErrUnknownPid)
		}
		end := e.Time
		info.Time.End = &end

	case trace.ProcessChildEvent:
		parent, ok := r.Processes.Get(e.Parent)
		if !ok {
			return fmt.Errorf("record: ProcessChild for parent pid %d: %w", e.Parent, ErrUnknownPid)
		}
		parent.Children = append(parent.Children, ChildRef{Kind: e.Kind, Child: e.Child})

	case trace.ProcessExecEvent:
		info, ok := r.Processes.Get(e.Pid)
		if !ok {
			return fmt.Errorf("record: ProcessExec for pid %d: %w", e.Pid, ErrUnknownPid)
		}
		info.Execs = append(info.Execs, ProcessExec{
			Time: e.Time,
			Cwd:  e.Cwd,
			Path: e.Path,
			Argv: e.Argv,
		})

	default:
		return fmt.Errorf("record: unhandled event type %T", event)
	}
	return nil
}

// Snapshot returns a deep-clone value that shares no mutable state with r,
// safe to hand to a consumer running on another goroutine. Each
// ProcessInfo is deep-copied via deepcopy.Copy; the ordered map shell
// itself is rebuilt by hand rather than reflected into, since its
// internals are unexported and not meant to be copied by a generic deep
// copier.
func (r *Recording) Snapshot() *Recording {
	clone := &Recording{
		Running:   r.Running,
		Processes: orderedmap.New[trace.TaskId, *ProcessInfo](),
	}
	if r.TimeStart != nil {
		t := *r.TimeStart
		clone.TimeStart = &t
	}
	if r.RootPid != nil {
		pid := *r.RootPid
		clone.RootPid = &pid
	}
	for pair := r.Processes.Oldest(); pair != nil; pair = pair.Next() {
		info := deepcopy.Copy(pair.Value).(*ProcessInfo)
		clone.Processes.Set(pair.Key, info)
	}
	return clone
}

// ChildCounts walks the subtree rooted at pid, recursing through Thread
// edges but stopping at Process edges, and counts each edge encountered
// by kind. A process two thread-hops deep still counts as one process;
// its own children are not visited.
func (r *Recording) ChildCounts(pid trace.TaskId) (processes, threads int) {
	info, ok := r.Processes.Get(pid)
	if !ok {
		return 0, 0
	}
	for _, c := range info.Children {
		switch c.Kind {
		case trace.Process:
			processes++
		case trace.Thread:
			threads++
			cp, ct := r.ChildCounts(c.Child)
			processes += cp
			threads += ct
		}
	}
	return processes, threads
}
