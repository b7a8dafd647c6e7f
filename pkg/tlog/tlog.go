// Package tlog logs the domain event stream (trace.Event values flowing
// from the tracer or poller into the recorder) for human inspection.
// Shaped as a Logger/StreamLogger/FileLogger trio, generalized from "one line
// per syscall" to "one line per trace event".
package tlog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/KarelPeeters/wtf/pkg/trace"
)

// Logger logs one trace.Event at a time.
type Logger interface {
	LogEvent(ev trace.Event)
}

// StreamLogger logs to an io.Writer.
type StreamLogger struct {
	Out io.Writer
}

// NewStreamLogger creates a StreamLogger writing to out.
func NewStreamLogger(out io.Writer) *StreamLogger {
	return &StreamLogger{Out: out}
}

func (l *StreamLogger) LogEvent(ev trace.Event) {
	fmt.Fprintf(l.Out, "[wtf] %s\n", formatEvent(ev))
}

func formatEvent(ev trace.Event) string {
	switch e := ev.(type) {
	case trace.TraceStartEvent:
		return fmt.Sprintf("trace start at %s", e.Time.Format("15:04:05.000"))
	case trace.TraceEndEvent:
		return fmt.Sprintf("trace end t=%.3f", e.Time)
	case trace.ProcessStartEvent:
		return fmt.Sprintf("[%-6d] start t=%.3f", e.Pid, e.Time)
	case trace.ProcessExitEvent:
		return fmt.Sprintf("[%-6d] exit  t=%.3f", e.Pid, e.Time)
	case trace.ProcessChildEvent:
		return fmt.Sprintf("[%-6d] child=%d kind=%s", e.Parent, e.Child, e.Kind)
	case trace.ProcessExecEvent:
		cwd := ""
		if e.Cwd != nil {
			cwd = fmt.Sprintf(" cwd=%q", *e.Cwd)
		}
		return fmt.Sprintf("[%-6d] exec t=%.3f path=%q argv=[%s]%s", e.Pid, e.Time, e.Path, strings.Join(e.Argv, " "), cwd)
	default:
		return fmt.Sprintf("unknown event %T", ev)
	}
}

// FileLogger logs to a file, opened for append.
type FileLogger struct {
	*StreamLogger
	file *os.File
}

// NewFileLogger creates a logger that appends to the file at path,
// creating it if necessary.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		StreamLogger: NewStreamLogger(f),
		file:         f,
	}, nil
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}
