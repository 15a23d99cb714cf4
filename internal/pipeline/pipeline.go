// Package pipeline implements the interception pipeline (design doc
// Section 4.5, component C5): CONNECT acceptance, TLS MITM, request/
// response assembly, plugin dispatch, and upstream forwarding.
package pipeline

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"

	"github.com/devproxy/devproxy/internal/certstore"
	"github.com/devproxy/devproxy/internal/matchurl"
	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
)

// Version is embedded in the Via header appended to every forwarded
// request (spec Section 6: "Via: dev-proxy/<semver>").
const Version = "0.1.0"

// Options configures a Pipeline.
type Options struct {
	Watch      *matchurl.Set
	Dispatcher *plugin.Dispatcher
	Certs      *certstore.Store
	Global     *store.Global
	Requests   *store.Requests
	Upstream   *http.Client
	Inactivity time.Duration // 0 disables the watchdog
	OnInactive func()        // called once if the watchdog fires
}

// Pipeline wires a goproxy.ProxyHttpServer to the plugin dispatcher. It
// implements http.Handler (goproxy.ProxyHttpServer does) so it can be
// mounted directly on an http.Server.
type Pipeline struct {
	watch      *matchurl.Set
	dispatcher *plugin.Dispatcher
	certs      *certstore.Store
	global     *store.Global
	requests   *store.Requests
	upstream   *http.Client
	watchdog   *inactivityWatchdog

	server *goproxy.ProxyHttpServer
}

// requestContext is stashed on goproxy's ctx.UserData between the request
// and response hooks for a single transaction.
type requestContext struct {
	requestID string
	preq      *plugin.Request
	perReq    *store.PerRequest
	state     requestState
}

// New builds the pipeline and its underlying goproxy server.
func New(opts Options) *Pipeline {
	upstream := opts.Upstream
	if upstream == nil {
		upstream = &http.Client{Timeout: 60 * time.Second}
	}

	p := &Pipeline{
		watch:      opts.Watch,
		dispatcher: opts.Dispatcher,
		certs:      opts.Certs,
		global:     opts.Global,
		requests:   opts.Requests,
		upstream:   upstream,
	}
	p.watchdog = newInactivityWatchdog(opts.Inactivity, opts.OnInactive)

	server := goproxy.NewProxyHttpServer()
	server.Verbose = false
	server.Tr = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}

	server.OnRequest().HandleConnectFunc(p.handleConnect)
	server.OnRequest().DoFunc(p.handleRequest)
	server.OnResponse().DoFunc(p.handleResponse)

	p.server = server
	return p
}

// ServeHTTP satisfies http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.server.ServeHTTP(w, r)
}

// Stop disarms the inactivity watchdog. Called during graceful shutdown.
func (p *Pipeline) Stop() { p.watchdog.Stop() }

// handleConnect decides whether a CONNECT target is decrypted (design doc
// Section 4.5: "the host-level matcher decides whether to decrypt; if
// not, a raw tunnel is spliced"). The leaf certificate is minted
// synchronously so a CertificateMintFailure (spec Section 7) can fall
// back to a raw tunnel immediately rather than failing the handshake.
func (p *Pipeline) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	p.watchdog.Touch()

	hostname := host
	if i := indexColon(host); i >= 0 {
		hostname = host[:i]
	}

	if p.watch == nil || !p.watch.MatchesHost(hostname) {
		return goproxy.OkConnect, host
	}

	cert, err := p.certs.Mint(hostname)
	if err != nil {
		slog.Warn("certificate mint failed, falling back to raw tunnel", "host", hostname, "error", err)
		return goproxy.OkConnect, host
	}

	return &goproxy.ConnectAction{
		Action: goproxy.ConnectMitm,
		TLSConfig: func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
			return &tls.Config{Certificates: []tls.Certificate{*cert}}, nil
		},
	}, host
}

// handleRequest assigns a request id, allocates per-request storage, and
// runs the C4 request phase. A non-nil *http.Response return short-
// circuits goproxy's own forwarding (design doc Section 4.5 steps 1-5).
func (p *Pipeline) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	p.watchdog.Touch()

	requestID := uuid.NewString()
	perReq := p.requests.Allocate(requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, 32*1024*1024))
	if err != nil {
		slog.Error("failed to read request body", "request_id", requestID, "error", err)
		body = nil
	}
	r.Body.Close()

	preq := &plugin.Request{
		Method:    r.Method,
		URL:       r.URL.String(),
		Header:    r.Header.Clone(),
		Body:      decodedBody(r.Header, body),
		RequestID: requestID,
	}

	slog.Debug("intercepted request",
		"request_id", requestID, "method", preq.Method, "url", preq.URL)

	rc := &requestContext{requestID: requestID, perReq: perReq, state: statePluginsRunning}
	ctx.UserData = rc

	outcome, err := p.dispatcher.DispatchRequest(r.Context(), preq)
	if err != nil {
		// Cancellation (spec Section 7 CancelledByClient): stop the chain,
		// free storage, emit nothing further.
		rc.state = stateCancelled
		p.requests.Release(requestID)
		return r, nil
	}
	rc.preq = outcome.Request

	if outcome.Response != nil {
		rc.state = stateShortCircuited
		return r, p.buildHTTPResponse(r, outcome.Response)
	}

	rc.state = stateForwarded
	p.applyMutatedRequest(r, preq, outcome.Request, body)
	r.Header.Add("Via", fmt.Sprintf("dev-proxy/%s", Version))
	return r, nil
}

// handleResponse runs the C4 response phase over either the upstream or
// short-circuited response, then releases per-request storage (design
// doc Section 4.5 steps 6-7).
func (p *Pipeline) handleResponse(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	rc, _ := ctx.UserData.(*requestContext)
	if rc == nil {
		return r
	}
	defer p.requests.Release(rc.requestID)

	if r == nil {
		return r
	}

	rc.state = stateResponsePlugins

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read upstream response body", "request_id", rc.requestID, "error", err)
		body = nil
	}
	r.Body.Close()

	presp := &plugin.Response{
		StatusCode: r.StatusCode,
		Reason:     r.Status,
		Header:     r.Header.Clone(),
		Body:       decodedBody(r.Header, body),
	}

	final := p.dispatcher.DispatchResponse(ctx.Req.Context(), rc.preq, presp)
	rc.state = stateSent

	if final == presp {
		// No plugin replaced the response; restore the original wire body
		// (which may differ from the decoded copy handed to plugins) and
		// keep any headers plugins set on it in place.
		r.Header = final.Header
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		return r
	}

	r.StatusCode = final.StatusCode
	if final.Header != nil {
		r.Header = final.Header
	}
	r.Body = io.NopCloser(bytes.NewReader(final.Body))
	r.ContentLength = int64(len(final.Body))
	r.Header.Set("Content-Length", fmt.Sprintf("%d", len(final.Body)))
	return r
}

// applyMutatedRequest writes the request-phase outcome onto the outgoing
// request. When no plugin substituted a new request (final == original,
// the same pointer equality check handleResponse uses for presp),
// original's decoded body must NOT be forwarded as-is: it was only
// decompressed for plugin inspection (decodedBody, body.go), while the
// request's headers — including Content-Encoding — are untouched. The
// original wire bytes are restored instead, matching handleResponse's
// "restore original bytes when unmutated" behavior.
func (p *Pipeline) applyMutatedRequest(r *http.Request, original, final *plugin.Request, originalBody []byte) {
	if final == nil {
		return
	}
	if final == original {
		r.Body = io.NopCloser(bytes.NewReader(originalBody))
		r.ContentLength = int64(len(originalBody))
		return
	}
	r.Header = final.Header
	r.ContentLength = int64(len(final.Body))
	r.Body = io.NopCloser(bytes.NewReader(final.Body))
}

func (p *Pipeline) buildHTTPResponse(r *http.Request, presp *plugin.Response) *http.Response {
	header := presp.Header
	if header == nil {
		header = http.Header{}
	}
	status := presp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	reason := presp.Reason
	if reason == "" {
		reason = http.StatusText(status)
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, reason),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(presp.Body)),
		ContentLength: int64(len(presp.Body)),
		Request:       r,
	}
}

func indexColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
