package pipeline

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devproxy/devproxy/internal/plugin"
)

func TestBuildHTTPResponseDefaultsStatusAndReason(t *testing.T) {
	p := &Pipeline{}
	r := httptest.NewRequest("GET", "https://api.example.com/x", nil)

	resp := p.buildHTTPResponse(r, &plugin.Response{Body: []byte("hi")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected default 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Fatalf("expected body to round-trip, got %q", body)
	}
}

func TestBuildHTTPResponsePreservesExplicitStatus(t *testing.T) {
	p := &Pipeline{}
	r := httptest.NewRequest("GET", "https://api.example.com/x", nil)

	resp := p.buildHTTPResponse(r, &plugin.Response{StatusCode: 429, Reason: "Too Many Requests"})
	if resp.StatusCode != 429 {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Status != "429 Too Many Requests" {
		t.Fatalf("unexpected status line %q", resp.Status)
	}
}

func TestApplyMutatedRequestRewritesHeaderAndBody(t *testing.T) {
	p := &Pipeline{}
	r := httptest.NewRequest("POST", "https://api.example.com/x", bytes.NewReader([]byte("old")))

	original := &plugin.Request{Header: http.Header{}, Body: []byte("old")}
	mutated := &plugin.Request{
		Header: http.Header{"X-New": {"1"}},
		Body:   []byte("new body"),
	}
	p.applyMutatedRequest(r, original, mutated, []byte("old"))

	if r.Header.Get("X-New") != "1" {
		t.Fatal("expected mutated header to be applied")
	}
	body, _ := io.ReadAll(r.Body)
	if string(body) != "new body" {
		t.Fatalf("expected mutated body, got %q", body)
	}
	if r.ContentLength != int64(len("new body")) {
		t.Fatalf("expected content length to match new body, got %d", r.ContentLength)
	}
}

func TestApplyMutatedRequestRestoresOriginalWireBodyWhenUnmutated(t *testing.T) {
	p := &Pipeline{}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("compressed payload"))
	gw.Close()
	wireBody := buf.Bytes()

	r := httptest.NewRequest("POST", "https://api.example.com/x", bytes.NewReader(wireBody))
	r.Header.Set("Content-Encoding", "gzip")

	original := &plugin.Request{Header: r.Header.Clone(), Body: []byte("compressed payload")}

	// No plugin substituted a new request: final is the same pointer as
	// original, exactly what the dispatcher returns when nothing mutated.
	p.applyMutatedRequest(r, original, original, wireBody)

	body, _ := io.ReadAll(r.Body)
	if !bytes.Equal(body, wireBody) {
		t.Fatalf("expected untouched gzip wire bytes forwarded, got %q", body)
	}
	if r.Header.Get("Content-Encoding") != "gzip" {
		t.Fatal("expected Content-Encoding header left intact")
	}
	if r.ContentLength != int64(len(wireBody)) {
		t.Fatalf("expected content length to match original wire body, got %d", r.ContentLength)
	}
}

func TestDecodedBodyPassesThroughWhenUnencoded(t *testing.T) {
	got := decodedBody(http.Header{}, []byte("plain"))
	if string(got) != "plain" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestDecodedBodyDecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("compressed payload"))
	gw.Close()

	header := http.Header{}
	header.Set("Content-Encoding", "gzip")

	got := decodedBody(header, buf.Bytes())
	if string(got) != "compressed payload" {
		t.Fatalf("expected decompressed body, got %q", got)
	}
}

func TestDecodedBodyFallsBackOnCorruptGzip(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Encoding", "gzip")

	got := decodedBody(header, []byte("not actually gzip"))
	if string(got) != "not actually gzip" {
		t.Fatalf("expected raw fallback on decode failure, got %q", got)
	}
}

func TestIndexColonFindsLastColon(t *testing.T) {
	if i := indexColon("api.example.com:443"); i != 15 {
		t.Fatalf("expected index 15, got %d", i)
	}
	if i := indexColon("no-port-host"); i != -1 {
		t.Fatalf("expected -1 for no colon, got %d", i)
	}
}
