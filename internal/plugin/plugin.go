// Package plugin defines the behavior-plugin contract that sits around
// the interception pipeline: a plugin is a value exposing a stable name,
// an enabled flag, and up to four optional hooks (request/response,
// mutating/observer). See design doc Section 4.4 (dispatcher) and
// Section 9 (dynamic dispatch over plugins).
package plugin

import (
	"context"
	"net/http"
)

// Request is the mutable view of an intercepted HTTP request handed to
// plugins. Method/URL/Header/Body mirror spec Section 3's data model;
// Header is a plain http.Header (case-insensitive canonical keys, values
// kept in order per key, no order kept across keys), which is sufficient
// for every plugin in this repo — none depend on raw wire casing or
// header order.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// RequestID is stable across all hooks for one transaction.
	RequestID string
}

// Clone returns a deep-enough copy for CONTINUE_WITH replacement: header
// map and body slice are copied so a mutating plugin cannot alias the
// original request's storage.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	h := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		vv := make([]string, len(v))
		copy(vv, v)
		h[k] = vv
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Request{
		Method:    r.Method,
		URL:       r.URL,
		Header:    h,
		Body:      body,
		RequestID: r.RequestID,
	}
}

// Response is the mutable view of an intercepted HTTP response.
type Response struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

// Kind tags a request-phase plugin result.
type Kind int

const (
	// Continue forwards upstream as-is.
	Continue Kind = iota
	// ContinueWith replaces the request and forwards it.
	ContinueWith
	// Respond synthesizes a response locally, skipping upstream.
	Respond
)

// RequestResult is the tagged variant a mutating on_request hook returns.
// Spec Section 3: CONTINUE | CONTINUE_WITH(request) | RESPOND(response).
type RequestResult struct {
	Kind     Kind
	Request  *Request  // set when Kind == ContinueWith
	Response *Response // set when Kind == Respond
}

// ContinueResult is the zero-value convenience constructor for CONTINUE.
func ContinueResult() RequestResult { return RequestResult{Kind: Continue} }

// ContinueWithResult replaces the request for subsequent plugins.
func ContinueWithResult(r *Request) RequestResult {
	return RequestResult{Kind: ContinueWith, Request: r}
}

// RespondResult short-circuits the request phase with a synthesized response.
func RespondResult(r *Response) RequestResult {
	return RequestResult{Kind: Respond, Response: r}
}

// ResponseResult is the tagged variant a mutating on_response hook returns:
// nil means pass through, non-nil replaces the response. Spec Section 3
// says returning a replacement *request* at this phase is an error; the
// Go type system makes that state unrepresentable.
type ResponseResult struct {
	Response *Response
}

// Plugin is the contract every behavior plugin implements. A plugin
// signals "I do not implement this hook" by leaving the corresponding
// field nil; the dispatcher's composition walks only non-nil hooks
// (design doc Section 9: dynamic dispatch via optional function fields,
// not inheritance).
type Plugin struct {
	Name    string
	Enabled bool

	// OnRequestLog is an observer hook: no mutation, run concurrently
	// with every other plugin's OnRequestLog for this request, awaited
	// together before any OnRequest mutator runs.
	OnRequestLog func(ctx context.Context, req *Request)

	// OnRequest is a mutating hook, invoked sequentially in declared
	// plugin order.
	OnRequest func(ctx context.Context, req *Request) (RequestResult, error)

	// OnResponseLog is an observer hook on the response phase, same
	// concurrency rules as OnRequestLog.
	OnResponseLog func(ctx context.Context, req *Request, resp *Response)

	// OnResponse is a mutating hook on the response phase, sequential.
	OnResponse func(ctx context.Context, req *Request, resp *Response) (ResponseResult, error)
}
