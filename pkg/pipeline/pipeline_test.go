package pipeline

import (
	"context"
	"testing"

	"github.com/KarelPeeters/wtf/pkg/trace"
)

// fakeProducer replays a fixed event sequence synchronously, the same
// shape trace.RecordTrace and poll.RecordPoll present to a Pipeline.
func fakeProducer(events []trace.Event) Producer {
	return func(ctx context.Context, path string, argv []string, callback trace.Callback) error {
		for _, ev := range events {
			if callback(ev) == trace.Break {
				return nil
			}
		}
		return nil
	}
}

func TestPipeline_RunPublishesSnapshot(t *testing.T) {
	events := []trace.Event{
		trace.ProcessStartEvent{Pid: 1, Time: 0},
		trace.ProcessStartEvent{Pid: 2, Time: 0.1},
		trace.ProcessChildEvent{Parent: 1, Child: 2, Kind: trace.Process},
		trace.ProcessExecEvent{Pid: 2, Time: 0.2, Path: "/bin/echo", Argv: []string{"/bin/echo", "hi"}},
		trace.ProcessExitEvent{Pid: 2, Time: 0.3},
		trace.ProcessExitEvent{Pid: 1, Time: 0.4},
	}

	p := New(Config{Producer: fakeProducer(events)})
	if err := p.Run(context.Background(), "/bin/true", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := p.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot() is nil after Run completed")
	}
	if snap.Recording.RootPid == nil || *snap.Recording.RootPid != 1 {
		t.Fatalf("root pid = %v, want 1", snap.Recording.RootPid)
	}
	if snap.PlacedProcesses == nil || snap.PlacedWithThreads == nil {
		t.Fatal("both layout projections should be populated")
	}
	if snap.PlacedProcesses.Pid != 1 {
		t.Fatalf("placed root pid = %d, want 1", snap.PlacedProcesses.Pid)
	}

	select {
	case <-p.Updates():
	default:
		t.Fatal("no update notification after a publish")
	}
}

func TestPipeline_ContextCancelStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := func(ctx context.Context, path string, argv []string, callback trace.Callback) error {
		<-ctx.Done()
		return nil
	}

	p := New(Config{Producer: blocked})
	if err := p.Run(ctx, "/bin/true", nil); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if p.Snapshot() != nil {
		t.Fatal("no events were ever applied, Snapshot() should stay nil")
	}
}
