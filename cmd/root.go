package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/KarelPeeters/wtf/pkg/pipeline"
	"github.com/KarelPeeters/wtf/pkg/poll"
	"github.com/KarelPeeters/wtf/pkg/tlog"
	"github.com/KarelPeeters/wtf/pkg/trace"
)

var (
	pollHz       float64
	traceLogPath string
	log          = logrus.New()
)

var RootCmd = &cobra.Command{
	Use:   "wtf -- <command> [args...]",
	Short: "wtf traces a command's process tree",
	Long: `wtf runs a command under observation, recording every fork, exec and
exit in its descendant process tree and assigning each task a row in a
timeline layout, the same data a visualization front-end would render.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrace(cmd.Context(), args)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.Flags().Float64Var(&pollHz, "poll-hz", 0, "use the /proc-polling backend at this frequency instead of ptrace (0 = ptrace)")
	RootCmd.Flags().StringVar(&traceLogPath, "trace-log", "", "path to log one line per observed trace event (default: discard)")
}

func runTrace(ctx context.Context, args []string) error {
	path := args[0]
	argv := args

	var eventLogger tlog.Logger
	if traceLogPath != "" {
		fl, err := tlog.NewFileLogger(traceLogPath)
		if err != nil {
			return fmt.Errorf("wtf: opening trace log: %w", err)
		}
		defer fl.Close()
		eventLogger = fl
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))

	var producer pipeline.Producer
	if pollHz > 0 {
		cfg := poll.Config{Period: time.Duration(float64(time.Second) / pollHz)}
		log.WithFields(logrus.Fields{"backend": "poll", "period": cfg.Period}).Info("starting")
		if interactive {
			producer = ptyProducer(func(ctx context.Context, cmd *exec.Cmd, onStart func(), callback trace.Callback) error {
				return poll.RecordPollCmd(ctx, cmd, onStart, cfg, callback)
			})
		} else {
			producer = func(ctx context.Context, path string, argv []string, callback trace.Callback) error {
				return poll.RecordPoll(ctx, path, argv, cfg, callback)
			}
		}
	} else {
		cfg := trace.DefaultConfig()
		log.WithField("backend", "ptrace").Info("starting")
		if interactive {
			producer = ptyProducer(func(ctx context.Context, cmd *exec.Cmd, onStart func(), callback trace.Callback) error {
				return trace.RecordTraceCmd(ctx, cmd, onStart, cfg, callback)
			})
		} else {
			producer = func(ctx context.Context, path string, argv []string, callback trace.Callback) error {
				return trace.RecordTrace(ctx, path, argv, cfg, callback)
			}
		}
	}

	p := pipeline.New(pipeline.Config{Producer: producer, Logger: eventLogger})
	runErr := p.Run(ctx, path, argv)

	var spawnErr *trace.SpawnFailed
	if errors.As(runErr, &spawnErr) {
		// The root never managed to exec; whatever partial state the
		// collector built is meaningless, so no summary either.
		return spawnErr
	}

	snap := p.Snapshot()
	if snap != nil {
		processes, threads := snap.Recording.ChildCounts(*snap.Recording.RootPid)
		var execs int
		for pair := snap.Recording.Processes.Oldest(); pair != nil; pair = pair.Next() {
			execs += len(pair.Value.Execs)
		}
		fmt.Printf("\n--- %d processes, %d threads, %d execs recorded ---\n", processes+1, threads, execs)
	}

	if runErr != nil {
		return fmt.Errorf("wtf: %w", runErr)
	}
	return nil
}

// cmdProducer is the shape of trace.RecordTraceCmd / poll.RecordPollCmd:
// drive a caller-prepared *exec.Cmd instead of building one from path/argv.
type cmdProducer func(ctx context.Context, cmd *exec.Cmd, onStart func(), callback trace.Callback) error

// ptyProducer adapts a cmdProducer into a pipeline.Producer that attaches
// the traced command to a pty and puts the controlling terminal into raw
// mode for the duration of the run: prepare the pty and terminal, then
// hand the prepared *exec.Cmd to the tracing backend.
func ptyProducer(run cmdProducer) pipeline.Producer {
	return func(ctx context.Context, path string, argv []string, callback trace.Callback) error {
		cmd := exec.Command(path)
		if len(argv) > 0 {
			cmd.Args = argv
		}

		ptmx, tty, err := pty.Open()
		if err != nil {
			return fmt.Errorf("wtf: opening pty: %w", err)
		}
		defer ptmx.Close()

		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				_ = pty.InheritSize(os.Stdin, ptmx)
			}
		}()
		winch <- syscall.SIGWINCH

		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("wtf: setting raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		copyDone := make(chan struct{})
		go func() {
			_, _ = io.Copy(ptmx, os.Stdin)
		}()
		go func() {
			_, _ = io.Copy(os.Stdout, ptmx)
			close(copyDone)
		}()

		err = run(ctx, cmd, func() { tty.Close() }, callback)
		<-copyDone
		return err
	}
}
