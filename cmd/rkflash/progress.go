package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/maskrom/rkflash/flash"
)

// runWithProgress runs transfer while a second goroutine repaints a
// progress line on stderr. The renderer only runs when stderr is a
// terminal, so piped and logged runs stay clean.
func runWithProgress(ctx context.Context, eng *flash.Engine, transfer func(ctx context.Context) error) error {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return transfer(ctx)
	}

	var done, total atomic.Int64
	total.Store(-1)

	eng.Progress = func(d, t int64) {
		done.Store(d)
		total.Store(t)
	}

	g, gctx := errgroup.WithContext(ctx)

	rctx, stopRender := context.WithCancel(gctx)
	defer stopRender()

	g.Go(func() error {
		defer stopRender()
		return transfer(gctx)
	})

	g.Go(func() error {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()

		for {
			select {
			case <-rctx.Done():
				renderProgress(done.Load(), total.Load())
				fmt.Fprintln(os.Stderr)
				return nil

			case <-tick.C:
				renderProgress(done.Load(), total.Load())
			}
		}
	})

	return g.Wait()
}

func renderProgress(done, total int64) {
	if total > 0 {
		fmt.Fprintf(os.Stderr, "\r%7.1f / %.1f MiB (%3d%%)", mib(done), mib(total), done*100/total)
		return
	}

	fmt.Fprintf(os.Stderr, "\r%7.1f MiB", mib(done))
}

func mib(n int64) float64 {
	return float64(n) / (1 << 20)
}
