package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// ptraceOExitkill is PTRACE_O_EXITKILL, missing from the syscall package's
// generated constants on this toolchain.
const ptraceOExitkill = 0x100000

// ptraceOptions: syscall-stops distinguishable from other SIGTRAPs,
// kill the whole subtree if we die, and follow every way a task can spawn
// a descendant.
const ptraceOptions = syscall.PTRACE_O_TRACESYSGOOD |
	ptraceOExitkill |
	syscall.PTRACE_O_TRACECLONE |
	syscall.PTRACE_O_TRACEFORK |
	syscall.PTRACE_O_TRACEVFORK |
	syscall.PTRACE_O_TRACEEXEC

const syscallStopSignal = syscall.SIGTRAP | 0x80

// RecordTrace spawns path(argv...) under a ptrace relation, with stdio
// inherited from the current process, traces its entire descendant
// subtree, and synchronously delivers one Event per observed
// fork/exec/exit transition to callback. It blocks until the subtree is
// gone, the context is cancelled, or callback returns Break.
//
// Returns *SpawnFailed iff the root task exited without ever completing a
// successful exec.
func RecordTrace(ctx context.Context, path string, argv []string, cfg Config, callback Callback) error {
	cmd := exec.Command(path)
	if len(argv) > 0 {
		cmd.Args = argv
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return RecordTraceCmd(ctx, cmd, nil, cfg, callback)
}

// RecordTraceCmd is RecordTrace for a caller-prepared *exec.Cmd: stdio
// (e.g. a pty's slave end), working directory and environment are the
// caller's responsibility. onStart, if non-nil, runs right after the
// command is started — a caller attaching a pty typically closes its own
// slave-side handle there once the child owns it.
func RecordTraceCmd(ctx context.Context, cmd *exec.Cmd, onStart func(), cfg Config, callback Callback) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cfg.MaxStringLen <= 0 {
		cfg.MaxStringLen = DefaultConfig().MaxStringLen
	}
	if cfg.MaxArgv <= 0 {
		cfg.MaxArgv = DefaultConfig().MaxArgv
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true

	if err := cmd.Start(); err != nil {
		// The child stub's execve never completed: that is precisely the
		// "root exited without any successful exec" condition, with the
		// errno reported back through the start machinery.
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return &SpawnFailed{Errno: errno}
		}
		// A bare command name that $PATH resolution never matched fails
		// inside exec.LookPath with a plain sentinel, not an errno.
		var lookupErr *exec.Error
		if errors.As(err, &lookupErr) {
			return &SpawnFailed{Errno: syscall.ENOENT}
		}
		return fmt.Errorf("failed to start command: %w", err)
	}
	if onStart != nil {
		onStart()
	}
	rootPid := TaskId(cmd.Process.Pid)

	// The first stop is the SIGTRAP the kernel delivers right after the
	// PTRACE_TRACEME'd child's execve, before it runs any of the target
	// program's own code. That's the same race-free window a hand-rolled
	// fork+self-SIGSTOP+exec dance would achieve; os/exec's Ptrace option
	// gets us there without needing to fork by hand.
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(int(rootPid), &ws, 0, nil); err != nil {
		return fmt.Errorf("initial wait4 failed: %w", err)
	}

	if err := syscall.PtraceSetOptions(int(rootPid), ptraceOptions); err != nil {
		return fmt.Errorf("ptrace setoptions failed: %w", err)
	}

	timeStart := time.Now()
	s := &session{
		cfg:       cfg,
		callback:  callback,
		rootPid:   rootPid,
		timeStart: timeStart,
		active:    map[TaskId]bool{rootPid: true},
		partial:   map[TaskId]syscallEntry{},
	}

	if s.emit(TraceStartEvent{Time: timeStart}) == Break {
		return s.detachAndStop()
	}
	if s.emit(ProcessStartEvent{Pid: rootPid, Time: 0}) == Break {
		return s.detachAndStop()
	}
	// The stop we just waited on sits after the root's execve completed, so
	// that exec is reported here rather than through the syscall machinery:
	// the kernel only started delivering stops to us once it was done.
	if s.emit(ProcessExecEvent{Pid: rootPid, Time: 0, Path: cmd.Path, Argv: cmd.Args}) == Break {
		return s.detachAndStop()
	}

	if err := syscall.PtraceSyscall(int(rootPid), 0); err != nil {
		return fmt.Errorf("ptrace syscall failed: %w", err)
	}

	return s.loop(ctx)
}

// session holds the transient per-trace state: which tasks are known and
// which have an in-flight syscall entry awaiting its matching exit.
type session struct {
	cfg       Config
	callback  Callback
	rootPid   TaskId
	timeStart time.Time

	active  map[TaskId]bool
	partial map[TaskId]syscallEntry
}

func (s *session) now() float32 {
	return float32(time.Since(s.timeStart).Seconds())
}

// emit delivers ev to the callback and returns its signal.
func (s *session) emit(ev Event) Signal {
	return s.callback(ev)
}

// detachAndStop detaches from every still-known task. Runs on break and
// on cancellation, neither of which is an error.
func (s *session) detachAndStop() error {
	for pid := range s.active {
		_ = syscall.PtraceDetach(int(pid))
	}
	return nil
}

func (s *session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.detachAndStop()
		default:
		}

		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == syscall.ECHILD {
				break
			}
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("wait4 failed: %w", err)
		}
		task := TaskId(pid)

		if ws.Exited() || ws.Signaled() {
			delete(s.partial, task)
			delete(s.active, task)
			if s.emit(ProcessExitEvent{Pid: task, Time: s.now()}) == Break {
				return s.detachAndStop()
			}
			if task == s.rootPid {
				break
			}
			continue
		}

		if !ws.Stopped() {
			// "continued" / "still alive" are unreachable: we never pass
			// WCONTINUED or WNOHANG.
			continue
		}

		sig := ws.StopSignal()

		switch {
		case sig == syscallStopSignal:
			if brk, err := s.handleSyscallStop(task); err != nil {
				return err
			} else if brk {
				return s.detachAndStop()
			}
			syscall.PtraceSyscall(pid, 0)

		case sig == syscall.SIGTRAP && ws.TrapCause() > 0:
			// Genuine ptrace-event stop (fork/vfork/clone/exec): the
			// event code is encoded above the signal byte. Ignore it;
			// a freshly cloned task reports its own existence via its
			// own initial stop, handled below.
			syscall.PtraceSyscall(pid, 0)

		case (sig == syscall.SIGSTOP || sig == syscall.SIGTRAP) && !s.active[task]:
			s.active[task] = true
			if s.emit(ProcessStartEvent{Pid: task, Time: s.now()}) == Break {
				return s.detachAndStop()
			}
			syscall.PtraceSyscall(pid, 0)

		default:
			// Other signal-delivery stop: let it through to the tracee.
			syscall.PtraceSyscall(pid, int(sig))
		}
	}

	s.emit(TraceEndEvent{Time: s.now()})
	return nil
}

// handleSyscallStop pairs up one syscall's entry and exit stop for task,
// classifying on entry and dispatching on exit. Returns brk=true if the callback requested a break.
func (s *session) handleSyscallStop(task TaskId) (brk bool, err error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(int(task), &regs); err != nil {
		// A task can vanish between the wait and the getregs call; that's
		// not a classification failure, just nothing to report.
		return false, nil
	}

	entry, awaitingExit := s.partial[task]
	if !awaitingExit {
		s.partial[task] = classifyEntry(int(task), &regs)
		return false, nil
	}
	delete(s.partial, task)

	switch e := entry.(type) {
	case ignoreEntry:
		// nothing to do

	case forkEntry:
		ret := syscallReturn(&regs)
		if ret > 0 {
			ev := ProcessChildEvent{Parent: task, Child: TaskId(ret), Kind: e.kind}
			if s.emit(ev) == Break {
				return true, nil
			}
		}

	case execEntry:
		// Failed attempts emit nothing; shell-style $PATH resolution can
		// try several paths before one succeeds.
		if syscallReturn(&regs) == 0 {
			path, pathErr := readCString(int(task), e.pathPtr, s.cfg.MaxStringLen)
			argv, argvErr := readArgv(int(task), e.argvPtr, s.cfg.MaxArgv, s.cfg.MaxStringLen)
			if pathErr != nil {
				// Tracee memory read failure during exec-argument
				// extraction: downgrade to an Exec with
				// an empty path/argv rather than failing the whole trace,
				// since the exec itself genuinely succeeded.
				path = ""
			}
			if argvErr != nil {
				argv = nil
			}
			ev := ProcessExecEvent{Pid: task, Time: s.now(), Path: path, Argv: argv}
			if s.emit(ev) == Break {
				return true, nil
			}
		}
	}

	return false, nil
}
