package mockresponse

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
)

func writeMocksFile(t *testing.T, catalog Catalog) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mocks.json")
	raw, err := json.Marshal(catalog)
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write mocks file: %v", err)
	}
	return path
}

func req(method, url string, body []byte) *plugin.Request {
	return &plugin.Request{
		Method:    method,
		URL:       url,
		Header:    http.Header{},
		Body:      body,
		RequestID: "req-1",
	}
}

func TestExactURLMatchServesMock(t *testing.T) {
	path := writeMocksFile(t, Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "GET", URL: "https://api.example.com/users"},
			Response: MockResponseSpec{StatusCode: 200, Body: json.RawMessage(`{"ok":true}`)},
		},
	}})

	p, err := New(store.NewRequests(), Config{MocksFile: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := p.OnRequest(context.Background(), req("GET", "https://api.example.com/users", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != plugin.Respond {
		t.Fatalf("expected RESPOND, got %+v", result)
	}
	if string(result.Response.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", result.Response.Body)
	}
}

func TestGlobURLMatchServesMock(t *testing.T) {
	path := writeMocksFile(t, Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "GET", URL: "https://api.example.com/users/*"},
			Response: MockResponseSpec{Body: json.RawMessage(`{"id":1}`)},
		},
	}})

	p, _ := New(store.NewRequests(), Config{MocksFile: path})

	result, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/users/42", nil))
	if result.Kind != plugin.Respond {
		t.Fatalf("expected glob match to respond, got %+v", result)
	}
}

func TestBodyFragmentRequiredForNonGET(t *testing.T) {
	path := writeMocksFile(t, Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "POST", URL: "https://api.example.com/orders", BodyFragment: "express"},
			Response: MockResponseSpec{StatusCode: 201},
		},
	}})

	p, _ := New(store.NewRequests(), Config{MocksFile: path})

	miss, _ := p.OnRequest(context.Background(), req("POST", "https://api.example.com/orders", []byte(`{"shipping":"standard"}`)))
	if miss.Kind != plugin.Continue {
		t.Fatalf("expected no match without the body fragment, got %+v", miss)
	}

	hit, _ := p.OnRequest(context.Background(), req("POST", "https://api.example.com/orders", []byte(`{"shipping":"EXPRESS"}`)))
	if hit.Kind != plugin.Respond || hit.Response.StatusCode != 201 {
		t.Fatalf("expected match once the body fragment is present, got %+v", hit)
	}
}

func TestNthQualifierOnlyMatchesOnTheNthOccurrence(t *testing.T) {
	path := writeMocksFile(t, Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "GET", URL: "https://api.example.com/flaky", Nth: 2},
			Response: MockResponseSpec{StatusCode: 200},
		},
	}})

	p, _ := New(store.NewRequests(), Config{MocksFile: path})

	first, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/flaky", nil))
	if first.Kind != plugin.Continue {
		t.Fatalf("first occurrence must not match nth=2, got %+v", first)
	}

	second, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/flaky", nil))
	if second.Kind != plugin.Respond {
		t.Fatalf("second occurrence must match nth=2, got %+v", second)
	}
}

func TestBlockUnmockedSynthesizes502(t *testing.T) {
	path := writeMocksFile(t, Catalog{})
	p, _ := New(store.NewRequests(), Config{MocksFile: path, BlockUnmocked: true})

	result, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/unknown", nil))
	if result.Kind != plugin.Respond || result.Response.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected synthesized 502, got %+v", result)
	}
}

func TestUnmockedPassesThroughWhenNotBlocking(t *testing.T) {
	path := writeMocksFile(t, Catalog{})
	p, _ := New(store.NewRequests(), Config{MocksFile: path})

	result, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/unknown", nil))
	if result.Kind != plugin.Continue {
		t.Fatalf("expected CONTINUE when block-unmocked is disabled, got %+v", result)
	}
}

func TestAtFileDereferenceServesFileBytes(t *testing.T) {
	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "fixture.json")
	if err := os.WriteFile(fixturePath, []byte(`{"from":"file"}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	mocksPath := filepath.Join(dir, "mocks.json")
	catalog := Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "GET", URL: "https://api.example.com/file"},
			Response: MockResponseSpec{Body: json.RawMessage(`"@fixture.json"`)},
		},
	}}
	raw, _ := json.Marshal(catalog)
	os.WriteFile(mocksPath, raw, 0o644)

	p, _ := New(store.NewRequests(), Config{MocksFile: mocksPath})

	result, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/file", nil))
	if result.Kind != plugin.Respond {
		t.Fatalf("expected match, got %+v", result)
	}
	if string(result.Response.Body) != `{"from":"file"}` {
		t.Fatalf("expected file contents verbatim, got %q", result.Response.Body)
	}
}

func TestAtFileDereferenceMissingFileServesLiteralPath(t *testing.T) {
	path := writeMocksFile(t, Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "GET", URL: "https://api.example.com/missing"},
			Response: MockResponseSpec{Body: json.RawMessage(`"@does-not-exist.json"`)},
		},
	}})

	p, _ := New(store.NewRequests(), Config{MocksFile: path})

	result, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/missing", nil))
	if string(result.Response.Body) != "@does-not-exist.json" {
		t.Fatalf("expected literal path on missing file, got %q", result.Response.Body)
	}
}

func TestMergesRateLimitWarningHeadersIntoMockResponse(t *testing.T) {
	path := writeMocksFile(t, Catalog{Mocks: []Mock{
		{
			Request:  MockRequest{Method: "GET", URL: "https://api.example.com/users"},
			Response: MockResponseSpec{StatusCode: 200},
		},
	}})

	requests := store.NewRequests()
	perReq := requests.Allocate("req-1")
	perReq.Set("rate-limiting-plugin", map[string]string{"RateLimit-Remaining": "3"})

	p, _ := New(requests, Config{MocksFile: path})

	result, _ := p.OnRequest(context.Background(), req("GET", "https://api.example.com/users", nil))
	if result.Response.Header.Get("RateLimit-Remaining") != "3" {
		t.Fatalf("expected rate-limit headers merged into mock response, got %+v", result.Response.Header)
	}
}
