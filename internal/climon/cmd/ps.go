package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/smoynes/kerncore/internal/climon"
	"github.com/smoynes/kerncore/internal/kernel"
	"github.com/smoynes/kerncore/internal/log"
)

// PS runs a program while printing a process-table snapshot on every tick, a live view of
// spec.md's process states rather than the single-shot summary a static "ps" gives a real OS.
func PS() climon.Command {
	return &ps{period: 50 * time.Millisecond, timeout: 10 * time.Second}
}

type ps struct {
	period  time.Duration
	timeout time.Duration
}

func (ps) Description() string {
	return "run a program, printing process table snapshots"
}

func (ps) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `ps program.elf

Loads program.elf and prints a process-table snapshot every tick until it exits.`)

	return err
}

func (p *ps) FlagSet() *climon.FlagSet {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	fs.DurationVar(&p.period, "period", p.period, "snapshot interval")
	fs.DurationVar(&p.timeout, "timeout", p.timeout, "maximum time to let the program run")

	return fs
}

func (p *ps) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("ps: missing program path")
		return -1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	ctx, cancelTimeout := context.WithTimeout(ctx, p.timeout)
	defer cancelTimeout()

	k := kernel.New(kernel.WithLogger(logger))

	child, err := k.SpawnELF(0, args[0])
	if err != nil {
		logger.Error("ps: failed to load program", "err", err)
		return 1
	}

	go func() {
		err := k.Run(ctx)

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			cancel(err)
		default:
			cancel(context.Canceled)
		}
	}()

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, strings.Join(k.Procs.Snapshot(), "\n"))
			return 0
		case <-ticker.C:
			fmt.Fprintln(out, strings.Join(k.Procs.Snapshot(), "\n"))

			if proc := k.Procs.Get(child.PID); proc == nil || proc.State == pstateZombie {
				cancel(context.Canceled)
			}
		}
	}
}
