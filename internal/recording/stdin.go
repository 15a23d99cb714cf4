package recording

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// TestRequester issues the "test request" interactive toggle's probe
// (spec Section 6: the "w" toggle, "issue test request").
type TestRequester interface {
	IssueTestRequest(ctx context.Context) error
}

// WatchStdin runs the interactive toggle loop described in spec Section
// 6: r (start recording), s (stop recording), c (clear screen), w (issue
// test request). It only attaches when stdin is a terminal; piped or
// redirected input is left untouched, since the toggles are meant for a
// human operator, not for scripting.
func WatchStdin(ctx context.Context, controller *Controller, requester TestRequester) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			switch scanner.Text() {
			case "r":
				controller.Start()
			case "s":
				controller.Stop()
			case "c":
				clearScreen()
			case "w":
				if requester == nil {
					continue
				}
				if err := requester.IssueTestRequest(ctx); err != nil {
					slog.Error("test request failed", "error", err)
				}
			}
		}
	}()
}

func clearScreen() {
	fmt.Fprint(os.Stdout, "\x1b[H\x1b[2J")
}
