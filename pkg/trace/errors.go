package trace

import (
	"fmt"
	"syscall"
)

// SpawnFailed is returned by RecordTrace iff the root task exited without
// ever completing a successful exec. Errno is that of the last observed
// failing exec attempt (shell-style $PATH resolution often tries several
// paths before the one that succeeds, or before giving up entirely).
type SpawnFailed struct {
	Errno syscall.Errno
}

func (e *SpawnFailed) Error() string {
	return fmt.Sprintf("root command failed to start: %v", e.Errno)
}
