package layout

import (
	"errors"
	"testing"

	"github.com/KarelPeeters/wtf/pkg/record"
	"github.com/KarelPeeters/wtf/pkg/trace"
)

func apply(t *testing.T, rec *record.Recording, events ...trace.Event) {
	for _, e := range events {
		if err := rec.Apply(e); err != nil {
			t.Fatalf("Apply(%#v): %v", e, err)
		}
	}
}

// Scenario 2: P forks Q, Q execs, both exit. With include_threads=false,
// P.row_height=2, Q.row_offset=1, Q.row_height=1.
func TestPlace_ForkThenExec(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExecEvent{Pid: 2, Time: 0.2, Path: "/bin/echo", Argv: []string{"/bin/echo", "hi"}},
		trace.ProcessExitEvent{Pid: 2, Time: 0.3},
		trace.ProcessExitEvent{Pid: 1, Time: 0.4},
	)

	placed, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if placed.RowHeight != 2 {
		t.Fatalf("P.row_height = %d, want 2", placed.RowHeight)
	}
	if len(placed.Children) != 1 {
		t.Fatalf("P.children = %d, want 1", len(placed.Children))
	}
	q := placed.Children[0]
	if q.RowOffset != 1 {
		t.Fatalf("Q.row_offset = %d, want 1", q.RowOffset)
	}
	if q.RowHeight != 1 {
		t.Fatalf("Q.row_height = %d, want 1", q.RowHeight)
	}
}

// Scenario 3: a thread clone. With include_threads=false the thread is
// invisible as its own row; with true it gets one.
func TestPlace_ThreadClone(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Thread},
		trace.ProcessExitEvent{Pid: 2, Time: 0.3},
		trace.ProcessExitEvent{Pid: 1, Time: 0.4},
	)

	withoutThreads, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place(false): %v", err)
	}
	if len(withoutThreads.Children) != 0 {
		t.Fatalf("children without threads = %d, want 0", len(withoutThreads.Children))
	}

	withThreads, err := Place(rec, true)
	if err != nil {
		t.Fatalf("Place(true): %v", err)
	}
	if len(withThreads.Children) != 1 {
		t.Fatalf("children with threads = %d, want 1", len(withThreads.Children))
	}
}

// Scenario 6: P spawns A, A exits, then P spawns B. Both height 1, both
// receive the same row_offset since B's row is freed by A's exit first.
func TestPlace_RowReuseAfterSiblingExit(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 2, Time: 0.2},
		trace.ProcessStartEvent{Pid: 3, Time: 0.3},
		trace.ProcessChildEvent{Parent: 1, Child: 3, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 3, Time: 0.4},
		trace.ProcessExitEvent{Pid: 1, Time: 0.5},
	)

	placed, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if placed.RowHeight != 2 {
		t.Fatalf("P.row_height = %d, want 2", placed.RowHeight)
	}
	if len(placed.Children) != 2 {
		t.Fatalf("P.children = %d, want 2", len(placed.Children))
	}
	for _, c := range placed.Children {
		if c.RowOffset != 1 {
			t.Fatalf("child %d row_offset = %d, want 1", c.Pid, c.RowOffset)
		}
	}
}

func TestPlace_EmptyRecording(t *testing.T) {
	if _, err := Place(record.New(), false); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("Place on empty recording: err = %v, want ErrNoRoot", err)
	}
}

// Three children alive at a common instant must occupy pairwise disjoint
// row ranges under their parent.
func TestPlace_OverlappingSiblingsDisjointRows(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessStartEvent{Pid: 3, Time: 0.2},
		trace.ProcessChildEvent{Parent: 1, Child: 3, Kind: trace.Process},
		trace.ProcessStartEvent{Pid: 4, Time: 0.3},
		trace.ProcessChildEvent{Parent: 1, Child: 4, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 2, Time: 0.5},
		trace.ProcessExitEvent{Pid: 3, Time: 0.6},
		trace.ProcessExitEvent{Pid: 4, Time: 0.7},
		trace.ProcessExitEvent{Pid: 1, Time: 0.8},
	)

	placed, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if placed.RowHeight != 4 {
		t.Fatalf("P.row_height = %d, want 4", placed.RowHeight)
	}

	type span struct{ lo, hi int }
	var spans []span
	for _, c := range placed.Children {
		spans = append(spans, span{c.RowOffset, c.RowOffset + c.RowHeight})
	}
	for i := range spans {
		if spans[i].lo < 1 {
			t.Fatalf("child %d overlaps the parent header row: %+v", i, spans[i])
		}
		for j := i + 1; j < len(spans); j++ {
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				t.Fatalf("sibling rows overlap: %+v vs %+v", spans[i], spans[j])
			}
		}
	}
}

// Inserting thread edges below a process must not move that process's
// placement when include_threads=false: the projection depends only on
// the process-child structure.
func TestPlace_ThreadInsertionInvariance(t *testing.T) {
	base := record.New()
	apply(t, base,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 2, Time: 0.5},
		trace.ProcessExitEvent{Pid: 1, Time: 0.6},
	)

	// Same tree, but pid 2 hangs off a thread of pid 1 instead of being a
	// direct process child, and carries a thread of its own.
	threaded := record.New()
	apply(t, threaded,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 10, Time: 0.05},
		trace.ProcessChildEvent{Parent: 1, Child: 10, Kind: trace.Thread},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 10, Child: 2, Kind: trace.Process},
		trace.ProcessStartEvent{Pid: 20, Time: 0.2},
		trace.ProcessChildEvent{Parent: 2, Child: 20, Kind: trace.Thread},
		trace.ProcessExitEvent{Pid: 20, Time: 0.4},
		trace.ProcessExitEvent{Pid: 2, Time: 0.5},
		trace.ProcessExitEvent{Pid: 10, Time: 0.55},
		trace.ProcessExitEvent{Pid: 1, Time: 0.6},
	)

	basePlaced, err := Place(base, false)
	if err != nil {
		t.Fatalf("Place(base): %v", err)
	}
	threadedPlaced, err := Place(threaded, false)
	if err != nil {
		t.Fatalf("Place(threaded): %v", err)
	}

	if len(threadedPlaced.Children) != 1 || threadedPlaced.Children[0].Pid != 2 {
		t.Fatalf("threaded children = %+v, want just pid 2", threadedPlaced.Children)
	}
	baseChild := basePlaced.Children[0]
	threadedChild := threadedPlaced.Children[0]
	if threadedChild.RowOffset != baseChild.RowOffset {
		t.Fatalf("pid 2 row_offset = %d with threads inserted, want %d", threadedChild.RowOffset, baseChild.RowOffset)
	}
	if threadedChild.RowHeight != baseChild.RowHeight {
		t.Fatalf("pid 2 row_height = %d with threads inserted, want %d", threadedChild.RowHeight, baseChild.RowHeight)
	}
}

// A child edge can be applied before the child's own start event; a layout
// pass taken between the two must simply not see that child yet.
func TestPlace_DanglingChildRef(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0.5},
		trace.ProcessChildEvent{Parent: 1, Child: 99, Kind: trace.Process},
	)

	for _, includeThreads := range []bool{false, true} {
		placed, err := Place(rec, includeThreads)
		if err != nil {
			t.Fatalf("Place(include_threads=%v): %v", includeThreads, err)
		}
		if len(placed.Children) != 0 {
			t.Fatalf("children = %d, want 0 (pid 99 has not started)", len(placed.Children))
		}
		if placed.TimeBound.Start != 0.5 {
			t.Fatalf("time_bound.start = %v, want 0.5 (unstarted child must not widen it)", placed.TimeBound.Start)
		}
	}
}

// Zero-duration children are excluded from the sweep entirely.
func TestPlace_ZeroDurationChildSkipped(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 2, Time: 0.1},
		trace.ProcessExitEvent{Pid: 1, Time: 0.2},
	)

	placed, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(placed.Children) != 0 {
		t.Fatalf("children = %d, want 0 (zero-duration child)", len(placed.Children))
	}
	if placed.RowHeight != 1 {
		t.Fatalf("row_height = %d, want 1", placed.RowHeight)
	}
}

// A still-running child (no exit observed) occupies its row to the end of
// the sweep, and its unknown end propagates into the parent's bound.
func TestPlace_UnfinishedChildPropagates(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 1, Time: 0.4},
	)

	placed, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if placed.TimeBound.End != nil {
		t.Fatalf("time_bound.end = %v, want nil (running child)", *placed.TimeBound.End)
	}
	if len(placed.Children) != 1 || placed.Children[0].RowOffset != 1 {
		t.Fatalf("children = %+v, want one at row_offset 1", placed.Children)
	}
}

func TestVisit_BreakSubtreeSkipsPost(t *testing.T) {
	rec := record.New()
	apply(t, rec,
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExitEvent{Pid: 2, Time: 0.2},
		trace.ProcessExitEvent{Pid: 1, Time: 0.3},
	)
	placed, err := Place(rec, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	var visitedPre, visitedPost []trace.TaskId
	Visit(placed, 0,
		func(node *PlacedProcess, absoluteRow int) VisitOutcome[int] {
			visitedPre = append(visitedPre, node.Pid)
			if node.Pid == 1 {
				return BreakSubtree[int]()
			}
			return Continue(absoluteRow)
		},
		func(node *PlacedProcess, absoluteRow int, value int) {
			visitedPost = append(visitedPost, node.Pid)
		},
	)

	if len(visitedPre) != 1 || visitedPre[0] != 1 {
		t.Fatalf("pre-order visited = %v, want [1]", visitedPre)
	}
	if len(visitedPost) != 0 {
		t.Fatalf("post-order visited = %v, want none (break should skip it)", visitedPost)
	}
}
