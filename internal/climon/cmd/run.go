package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/smoynes/kerncore/internal/climon"
	"github.com/smoynes/kerncore/internal/kernel"
	"github.com/smoynes/kerncore/internal/log"
	"github.com/smoynes/kerncore/internal/proc"
)

// Run assembles a kernel, loads an ELF32 image and runs it to completion.
func Run() climon.Command {
	return &runner{timeout: 10 * time.Second}
}

type runner struct {
	logLevel slog.Level
	timeout  time.Duration
}

func (runner) Description() string {
	return "load and run an ELF32 program"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run program.elf

Loads program.elf into a fresh address space and runs it under the scheduler until it exits.`)

	return err
}

func (r *runner) FlagSet() *climon.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return r.logLevel.UnmarshalText([]byte(s))
	})
	fs.DurationVar(&r.timeout, "timeout", r.timeout, "maximum time to let the program run")

	return fs
}

// Run loads args[0] as an ELF32 image and runs the kernel until the spawned process exits, the
// context is cancelled, or the timeout elapses.
func (r *runner) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	log.LogLevel.Set(r.logLevel)

	if len(args) == 0 {
		logger.Error("run: missing program path")
		return -1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	ctx, cancelTimeout := context.WithTimeout(ctx, r.timeout)
	defer cancelTimeout()

	logger.Debug("Initializing kernel")

	k := kernel.New(kernel.WithLogger(logger))

	child, err := k.SpawnELF(0, args[0])
	if err != nil {
		logger.Error("run: failed to load program", "err", err)
		return 1
	}

	logger.Debug("Loaded program", "file", args[0], "pid", child.PID)

	go func() {
		logger.Info("Starting kernel")

		err := k.Run(ctx)

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("run: timeout")
			return
		case err != nil:
			cancel(err)
			return
		default:
			cancel(context.Canceled)
		}
	}()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.report(ctx, k, child.PID, logger)
		case <-ticker.C:
			if p := k.Procs.Get(child.PID); p == nil || p.State == pstateZombie {
				cancel(context.Canceled)
			}
		}
	}
}

const pstateZombie = proc.StateZombie

func (r *runner) report(ctx context.Context, k *kernel.Kernel, pid proc.PID, logger *log.Logger) int {
	err := context.Cause(ctx)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("run: program timed out")
		return 2
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("run: program error", "err", err)
		return 2
	}

	p := k.Procs.Get(pid)
	if p == nil || p.State != pstateZombie {
		logger.Warn("run: program did not reach zombie state before shutdown", "pid", pid)
		return 2
	}

	logger.Info("run: program exited", "pid", pid, "status", p.ExitStatus)

	if p.ExitStatus != 0 {
		return int(p.ExitStatus)
	}

	return 0
}
