// Package latency implements the latency injector (design doc Section
// 4.8, component C8): a uniform delay in [min, max) ms before forwarding.
package latency

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/devproxy/devproxy/internal/plugin"
)

// Config configures the injector.
type Config struct {
	Name  string
	MinMs int
	MaxMs int
}

// New builds the latency injector plugin. Sleeping respects cancellation
// (spec Section 4.8): if the request context is cancelled during the
// sleep, the hook returns the context error instead of CONTINUE, and the
// dispatcher returns that cancellation to its caller rather than
// forwarding.
func New(cfg Config) *plugin.Plugin {
	name := cfg.Name
	if name == "" {
		name = "latency-plugin"
	}

	return &plugin.Plugin{
		Name:    name,
		Enabled: true,
		OnRequest: func(ctx context.Context, req *plugin.Request) (plugin.RequestResult, error) {
			delay := drawDelay(cfg.MinMs, cfg.MaxMs)
			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-timer.C:
				return plugin.ContinueResult(), nil
			case <-ctx.Done():
				return plugin.RequestResult{}, ctx.Err()
			}
		},
	}
}

func drawDelay(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	span := maxMs - minMs
	d := minMs + rand.IntN(span)
	return time.Duration(d) * time.Millisecond
}
