package plugin

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
)

func newTestRequest() *Request {
	return &Request{
		Method:    "GET",
		URL:       "https://api.example.com/x",
		Header:    http.Header{},
		RequestID: "req-1",
	}
}

func TestDispatchRequestContinue(t *testing.T) {
	d := New([]*Plugin{
		{Name: "noop", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			return ContinueResult(), nil
		}},
	})

	out, _ := d.DispatchRequest(context.Background(), newTestRequest())
	if out.Response != nil {
		t.Fatalf("expected no short-circuit, got %+v", out.Response)
	}
}

func TestDispatchRequestContinueWithRewritesForSubsequentPlugins(t *testing.T) {
	var sawRewrittenURL atomic.Bool

	d := New([]*Plugin{
		{Name: "rewriter", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			rewritten := req.Clone()
			rewritten.URL = "https://api.example.com/rewritten"
			return ContinueWithResult(rewritten), nil
		}},
		{Name: "observer", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			if req.URL == "https://api.example.com/rewritten" {
				sawRewrittenURL.Store(true)
			}
			return ContinueResult(), nil
		}},
	})

	_, _ = d.DispatchRequest(context.Background(), newTestRequest())
	if !sawRewrittenURL.Load() {
		t.Fatal("second plugin did not see the rewritten request")
	}
}

func TestDispatchRequestRespondStopsChain(t *testing.T) {
	var secondCalled atomic.Bool

	d := New([]*Plugin{
		{Name: "short-circuit", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			return RespondResult(&Response{StatusCode: 429}), nil
		}},
		{Name: "never-runs", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			secondCalled.Store(true)
			return ContinueResult(), nil
		}},
	})

	out, _ := d.DispatchRequest(context.Background(), newTestRequest())
	if out.Response == nil || out.Response.StatusCode != 429 {
		t.Fatalf("expected short-circuit 429, got %+v", out.Response)
	}
	if secondCalled.Load() {
		t.Fatal("plugin after a RESPOND must not run")
	}
}

func TestDispatchRequestPluginErrorIsIsolated(t *testing.T) {
	var secondCalled atomic.Bool

	d := New([]*Plugin{
		{Name: "broken", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			return RequestResult{}, errors.New("boom")
		}},
		{Name: "survivor", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			secondCalled.Store(true)
			return ContinueResult(), nil
		}},
	})

	out, _ := d.DispatchRequest(context.Background(), newTestRequest())
	if out.Response != nil {
		t.Fatalf("erroring plugin must degrade to CONTINUE, got %+v", out.Response)
	}
	if !secondCalled.Load() {
		t.Fatal("subsequent plugin must still run after a prior plugin error")
	}
}

func TestDispatchRequestPluginPanicIsIsolated(t *testing.T) {
	var secondCalled atomic.Bool

	d := New([]*Plugin{
		{Name: "panics", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			panic("kaboom")
		}},
		{Name: "survivor", Enabled: true, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			secondCalled.Store(true)
			return ContinueResult(), nil
		}},
	})

	out, _ := d.DispatchRequest(context.Background(), newTestRequest())
	if out.Response != nil {
		t.Fatalf("panicking plugin must degrade to CONTINUE, got %+v", out.Response)
	}
	if !secondCalled.Load() {
		t.Fatal("subsequent plugin must still run after a prior plugin panic")
	}
}

func TestDispatchRequestDisabledPluginSkipped(t *testing.T) {
	var called atomic.Bool

	d := New([]*Plugin{
		{Name: "disabled", Enabled: false, OnRequest: func(ctx context.Context, req *Request) (RequestResult, error) {
			called.Store(true)
			return ContinueResult(), nil
		}},
	})

	_, _ = d.DispatchRequest(context.Background(), newTestRequest())
	if called.Load() {
		t.Fatal("disabled plugin must not be invoked")
	}
}

func TestDispatchResponseFirstNonNilWins(t *testing.T) {
	d := New([]*Plugin{
		{Name: "passthrough", Enabled: true, OnResponse: func(ctx context.Context, req *Request, resp *Response) (ResponseResult, error) {
			return ResponseResult{}, nil
		}},
		{Name: "replacer", Enabled: true, OnResponse: func(ctx context.Context, req *Request, resp *Response) (ResponseResult, error) {
			return ResponseResult{Response: &Response{StatusCode: 200, Body: []byte("replaced")}}, nil
		}},
		{Name: "second-replacer", Enabled: true, OnResponse: func(ctx context.Context, req *Request, resp *Response) (ResponseResult, error) {
			return ResponseResult{Response: &Response{StatusCode: 201, Body: []byte("should not win")}}, nil
		}},
	})

	resp := d.DispatchResponse(context.Background(), newTestRequest(), &Response{StatusCode: 200})
	if string(resp.Body) != "replaced" {
		t.Fatalf("expected first mutator's response to win, got %q", resp.Body)
	}
}

func TestRequestLogHooksRunConcurrently(t *testing.T) {
	var count atomic.Int32

	d := New([]*Plugin{
		{Name: "log1", Enabled: true, OnRequestLog: func(ctx context.Context, req *Request) {
			count.Add(1)
		}},
		{Name: "log2", Enabled: true, OnRequestLog: func(ctx context.Context, req *Request) {
			count.Add(1)
		}},
	})

	_, _ = d.DispatchRequest(context.Background(), newTestRequest())
	if count.Load() != 2 {
		t.Fatalf("expected both log hooks to run, got %d", count.Load())
	}
}
