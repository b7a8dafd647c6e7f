// Package poll is the polling alternative to pkg/trace: instead of
// interposing on syscalls via ptrace, it periodically walks /proc to
// infer the same fork/exec/exit transitions. It produces the same
// trace.Event stream so pkg/record and pkg/layout are oblivious to which
// producer fed them.
package poll

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/KarelPeeters/wtf/pkg/trace"
)

// Config for a polling session. The zero value selects the defaults.
type Config struct {
	// Period is the delay between /proc sweeps.
	Period time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Period: 100 * time.Millisecond,
	}
}

// execInfo mirrors what /proc/<pid>/{cwd,exe,cmdline} can tell us about a
// task's current program image. A nil *execInfo stored against a known
// pid means "seen, but no good info yet" (e.g. the task vanished between
// being discovered and being read) — distinct from the pid never having
// been seen at all, which is a missing map entry.
type execInfo struct {
	cwd  string
	path string
	argv []string
}

func (a *execInfo) sameImageAs(b *execInfo) bool {
	if a == nil || b == nil {
		return false
	}
	return a.path == b.path && slices.Equal(a.argv, b.argv)
}

// session is the poll-backend analogue of pkg/trace's session: the
// transient state one RecordPoll call threads through its loop.
type session struct {
	callback trace.Callback

	everActive map[trace.TaskId]*execInfo
	prevActive map[trace.TaskId]bool
	currActive map[trace.TaskId]bool
}

func (s *session) emit(ev trace.Event) trace.Signal {
	return s.callback(ev)
}

// RecordPoll spawns path(argv...) in its own process group and polls
// /proc at cfg.Period until it exits, the context is cancelled, or
// callback returns Break. Unlike pkg/trace it cannot detect root-spawn
// failure by watching an exec syscall; a failure to start at all is
// reported as a plain error, and an exited-without-a-readable-exe root is
// simply never seen to exec.
func RecordPoll(ctx context.Context, path string, argv []string, cfg Config, callback trace.Callback) error {
	cmd := exec.Command(path)
	if len(argv) > 0 {
		cmd.Args = argv
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return RecordPollCmd(ctx, cmd, nil, cfg, callback)
}

// RecordPollCmd is RecordPoll for a caller-prepared *exec.Cmd (e.g. one
// wired to a pty's slave end). onStart, if non-nil, runs right after the
// command is started.
func RecordPollCmd(ctx context.Context, cmd *exec.Cmd, onStart func(), cfg Config, callback trace.Callback) error {
	period := cfg.Period
	if period <= 0 {
		period = DefaultConfig().Period
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Its own process group so a final SIGKILL can reach every descendant
	// even ones pkg/trace's PTRACE_O_EXITKILL would have caught for free.
	cmd.SysProcAttr.Setpgid = true

	timeStart := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	if onStart != nil {
		onStart()
	}
	rootPid := trace.TaskId(cmd.Process.Pid)
	defer func() {
		_ = syscall.Kill(-int(rootPid), syscall.SIGKILL)
	}()

	s := &session{
		callback:   callback,
		everActive: map[trace.TaskId]*execInfo{},
		prevActive: map[trace.TaskId]bool{},
		currActive: map[trace.TaskId]bool{},
	}

	if s.emit(trace.TraceStartEvent{Time: timeStart}) == trace.Break {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tickStart := time.Now()
		now := float32(tickStart.Sub(timeStart).Seconds())

		exited, err := tryWait(rootPid)
		if err != nil {
			return fmt.Errorf("poll: checking root status: %w", err)
		}
		if exited {
			for pid := range s.prevActive {
				if s.emit(trace.ProcessExitEvent{Pid: pid, Time: now}) == trace.Break {
					return nil
				}
			}
			s.emit(trace.TraceEndEvent{Time: now})
			return nil
		}

		if brk, err := s.pollProcAll(rootPid, now); err != nil {
			return err
		} else if brk {
			return nil
		}

		for pid := range s.prevActive {
			if !s.currActive[pid] {
				if s.emit(trace.ProcessExitEvent{Pid: pid, Time: now}) == trace.Break {
					return nil
				}
			}
		}
		s.prevActive, s.currActive = s.currActive, s.prevActive
		for pid := range s.currActive {
			delete(s.currActive, pid)
		}

		if remaining := period - time.Since(tickStart); remaining > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(remaining):
			}
		}
	}
}

// tryWait is a non-blocking check of whether pid has exited, without
// reaping through os/exec machinery: stdio was handed straight to the
// child, so a direct WNOHANG wait4 is safe and avoids needing a second
// goroutine blocked in cmd.Wait.
func tryWait(pid trace.TaskId) (bool, error) {
	var ws syscall.WaitStatus
	got, err := syscall.Wait4(int(pid), &ws, syscall.WNOHANG, nil)
	if err != nil {
		if err == syscall.ECHILD {
			return true, nil
		}
		return false, err
	}
	return got != 0, nil
}

// pollProcAll walks pid's thread group and its children's subtrees,
// reporting ProcessStart/ProcessChild/ProcessExec as new tasks and new
// program images are discovered. Mirrors poll.rs's poll_proc_all.
func (s *session) pollProcAll(pid trace.TaskId, now float32) (brk bool, err error) {
	if _, known := s.everActive[pid]; !known {
		if s.emit(trace.ProcessStartEvent{Pid: pid, Time: now}) == trace.Break {
			return true, nil
		}
	}
	s.currActive[pid] = true

	newInfo, infoErr := readExecInfo(pid)
	oldInfo := s.everActive[pid]
	if infoErr == nil {
		if !oldInfo.sameImageAs(newInfo) {
			cwd := newInfo.cwd
			ev := trace.ProcessExecEvent{Pid: pid, Time: now, Cwd: &cwd, Path: newInfo.path, Argv: newInfo.argv}
			if s.emit(ev) == trace.Break {
				return true, nil
			}
		}
		s.everActive[pid] = newInfo
	} else if _, known := s.everActive[pid]; !known {
		s.everActive[pid] = nil
	}

	taskEntries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		// The task is gone by the time we got here; not an error, just
		// nothing more to report for this branch.
		return false, nil
	}

	for _, taskEntry := range taskEntries {
		taskPidNum, convErr := strconv.Atoi(taskEntry.Name())
		if convErr != nil {
			continue
		}
		taskPid := trace.TaskId(taskPidNum)

		if taskPid != pid {
			if _, known := s.everActive[taskPid]; !known {
				s.everActive[taskPid] = nil
				s.currActive[taskPid] = true
				if s.emit(trace.ProcessStartEvent{Pid: taskPid, Time: now}) == trace.Break {
					return true, nil
				}
				if s.emit(trace.ProcessChildEvent{Parent: pid, Child: taskPid, Kind: trace.Thread}) == trace.Break {
					return true, nil
				}
			}
		}

		childrenRaw, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/children", pid, taskPid))
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(childrenRaw)) {
			childPidNum, convErr := strconv.Atoi(field)
			if convErr != nil {
				continue
			}
			childPid := trace.TaskId(childPidNum)

			if _, known := s.everActive[childPid]; !known {
				ev := trace.ProcessChildEvent{Parent: taskPid, Child: childPid, Kind: trace.Process}
				if s.emit(ev) == trace.Break {
					return true, nil
				}
			}

			if childBrk, err := s.pollProcAll(childPid, now); err != nil {
				return false, err
			} else if childBrk {
				return true, nil
			}
		}
	}

	return false, nil
}

// readExecInfo reads the three /proc fields the poller needs to detect an
// exec: the current working directory, the resolved executable path, and
// the argument vector.
func readExecInfo(pid trace.TaskId) (*execInfo, error) {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return nil, err
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, err
	}

	parts := bytes.Split(raw, []byte{0})
	// cmdline is NUL-terminated, not just NUL-separated: trim the trailing
	// empty element bytes.Split produces for that final terminator.
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	argv := make([]string, len(parts))
	for i, p := range parts {
		argv[i] = string(p)
	}

	return &execInfo{cwd: cwd, path: path, argv: argv}, nil
}
