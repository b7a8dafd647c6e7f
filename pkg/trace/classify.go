package trace

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallEntry is the classification of a syscall recorded at its entry
// stop, retrieved and consumed at the matching exit stop. Presence of a
// task's pid in session.partial is what distinguishes "this stop is an exit"
// from "this stop is an entry" — see handleSyscallStop.
type syscallEntry interface {
	isSyscallEntry()
}

type ignoreEntry struct{}

type forkEntry struct {
	kind ProcessKind
}

type execEntry struct {
	pathPtr uint64
	argvPtr uint64
}

func (ignoreEntry) isSyscallEntry() {}
func (forkEntry) isSyscallEntry()   {}
func (execEntry) isSyscallEntry()   {}

// classifyEntry inspects the syscall number and arguments at an entry stop
// and decides what, if anything, should happen at the matching exit stop.
func classifyEntry(pid int, regs *syscall.PtraceRegs) syscallEntry {
	nr := int64(syscallNumber(regs))

	switch nr {
	case unix.SYS_CLONE:
		flags := syscallArg(regs, 0)
		return forkEntry{kind: processKindFromCloneFlags(flags)}

	case unix.SYS_CLONE3:
		argsPtr := syscallArg(regs, 0)
		argsSize := syscallArg(regs, 1)
		var flags uint64
		if argsSize >= 8 {
			flags = readCloneArgsFlags(pid, argsPtr)
		}
		return forkEntry{kind: processKindFromCloneFlags(flags)}

	case unix.SYS_EXECVE:
		return execEntry{pathPtr: syscallArg(regs, 0), argvPtr: syscallArg(regs, 1)}

	case unix.SYS_EXECVEAT:
		// arg0 is a dirfd, ignored.
		return execEntry{pathPtr: syscallArg(regs, 1), argvPtr: syscallArg(regs, 2)}

	case unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
		return ignoreEntry{}
	}

	if sysFork >= 0 && nr == sysFork {
		return forkEntry{kind: Process}
	}
	if sysVfork >= 0 && nr == sysVfork {
		return forkEntry{kind: Process}
	}

	return ignoreEntry{}
}

func processKindFromCloneFlags(flags uint64) ProcessKind {
	if flags&unix.CLONE_THREAD != 0 {
		return Thread
	}
	return Process
}

// readCloneArgsFlags reads the first 64-bit word of a clone_args struct,
// which is its flags field.
func readCloneArgsFlags(pid int, addr uint64) uint64 {
	word := make([]byte, wordSize)
	n, err := syscall.PtracePeekData(pid, uintptr(addr), word)
	if err != nil || n < wordSize {
		return 0
	}
	return byteOrder.Uint64(word)
}
