package trace

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestProcessKindFromCloneFlags(t *testing.T) {
	cases := []struct {
		name  string
		flags uint64
		want  ProcessKind
	}{
		{"no flags", 0, Process},
		{"clone_thread set", unix.CLONE_THREAD, Thread},
		{"clone_thread combined with other flags", unix.CLONE_THREAD | unix.CLONE_VM | unix.CLONE_FS, Thread},
		{"other flags without clone_thread", unix.CLONE_VM | unix.CLONE_FS, Process},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := processKindFromCloneFlags(c.flags); got != c.want {
				t.Errorf("processKindFromCloneFlags(%#x) = %v, want %v", c.flags, got, c.want)
			}
		})
	}
}

func TestProcessKind_String(t *testing.T) {
	if Process.String() != "process" {
		t.Errorf("Process.String() = %q, want %q", Process.String(), "process")
	}
	if Thread.String() != "thread" {
		t.Errorf("Thread.String() = %q, want %q", Thread.String(), "thread")
	}
}
