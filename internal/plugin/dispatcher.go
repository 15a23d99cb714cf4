package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Dispatcher drives the request- and response-side plugin traversal
// described in design doc Section 4.4. It holds the ordered plugin list;
// order is declaration order from configuration and is never reshuffled
// at runtime (toggling a plugin off removes it from the walk, it does
// not reorder the rest).
type Dispatcher struct {
	plugins []*Plugin
}

// New returns a dispatcher over the given plugins, in the order they
// should run. Disabled plugins are kept in the list but skipped at
// dispatch time so re-enabling one doesn't require rebuilding the
// dispatcher.
func New(plugins []*Plugin) *Dispatcher {
	return &Dispatcher{plugins: plugins}
}

// Plugins returns the configured plugin list (for introspection/CLI use).
func (d *Dispatcher) Plugins() []*Plugin { return d.plugins }

// RequestOutcome is what DispatchRequest decided, reported back to the
// pipeline so it knows whether to forward upstream or go straight to the
// response phase.
type RequestOutcome struct {
	Request  *Request  // possibly rewritten; always non-nil
	Response *Response // non-nil iff a plugin responded (short-circuit)
}

// DispatchRequest runs the request phase: log hooks first (concurrently,
// exceptions caught and logged), then mutating hooks in order. Exactly
// one plugin may terminate the phase with Respond; subsequent plugins
// are not invoked (design doc Section 4.4 rule 3, spec Section 3
// invariant "exactly one plugin may terminate the request phase").
//
// A non-nil returned error is always context cancellation (spec Section
// 5: "cancellation from a client disconnect is delivered synchronously");
// every other hook failure is a PluginFailure (spec Section 7), which
// this dispatcher always recovers locally and never returns to the
// caller.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req *Request) (RequestOutcome, error) {
	d.runRequestLogHooks(ctx, req)

	current := req
	for _, p := range d.plugins {
		if !p.Enabled || p.OnRequest == nil {
			continue
		}
		result, err := callOnRequest(ctx, p, current)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return RequestOutcome{Request: current}, err
			}
			// PluginFailure (spec Section 7): log and treat as CONTINUE.
			slog.Error("plugin request hook failed",
				"plugin", p.Name, "request_id", current.RequestID, "error", err)
			continue
		}

		switch result.Kind {
		case Continue:
			// no-op, current unchanged
		case ContinueWith:
			if result.Request != nil {
				current = result.Request
			}
		case Respond:
			return RequestOutcome{Request: current, Response: result.Response}, nil
		}
	}

	return RequestOutcome{Request: current}, nil
}

// DispatchResponse runs the response phase: observers concurrently, then
// mutators sequentially; the first non-nil mutator result becomes the
// response (design doc Section 4.4 rule 5).
func (d *Dispatcher) DispatchResponse(ctx context.Context, req *Request, resp *Response) *Response {
	d.runResponseLogHooks(ctx, req, resp)

	current := resp
	for _, p := range d.plugins {
		if !p.Enabled || p.OnResponse == nil {
			continue
		}
		result, err := callOnResponse(ctx, p, req, current)
		if err != nil {
			slog.Error("plugin response hook failed",
				"plugin", p.Name, "request_id", req.RequestID, "error", err)
			continue
		}
		if result.Response != nil {
			return result.Response
		}
	}

	return current
}

// runRequestLogHooks awaits every enabled OnRequestLog hook concurrently
// before any mutator runs (design doc Section 4.4 rule 2 and Section 5
// ordering guarantee).
func (d *Dispatcher) runRequestLogHooks(ctx context.Context, req *Request) {
	var wg sync.WaitGroup
	for _, p := range d.plugins {
		if !p.Enabled || p.OnRequestLog == nil {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverLogHook(p.Name, req.RequestID)
			p.OnRequestLog(ctx, req)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) runResponseLogHooks(ctx context.Context, req *Request, resp *Response) {
	var wg sync.WaitGroup
	for _, p := range d.plugins {
		if !p.Enabled || p.OnResponseLog == nil {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverLogHook(p.Name, req.RequestID)
			p.OnResponseLog(ctx, req, resp)
		}()
	}
	wg.Wait()
}

func recoverLogHook(pluginName, requestID string) {
	if r := recover(); r != nil {
		slog.Error("plugin log hook panicked",
			"plugin", pluginName, "request_id", requestID, "panic", r)
	}
}

// callOnRequest invokes a mutating request hook with panic recovery so a
// plugin bug never reaches the client (spec Section 7: PluginFailure is
// always recovered locally, never bubbles up).
func callOnRequest(ctx context.Context, p *Plugin, req *Request) (result RequestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ContinueResult()
			err = panicError{plugin: p.Name, value: r}
		}
	}()
	return p.OnRequest(ctx, req)
}

func callOnResponse(ctx context.Context, p *Plugin, req *Request, resp *Response) (result ResponseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ResponseResult{}
			err = panicError{plugin: p.Name, value: r}
		}
	}()
	return p.OnResponse(ctx, req, resp)
}

type panicError struct {
	plugin string
	value  any
}

func (e panicError) Error() string {
	return "plugin " + e.plugin + " panicked: " + formatPanic(e.value)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}
