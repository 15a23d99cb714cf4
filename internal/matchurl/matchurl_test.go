package matchurl

import "testing"

func TestMatchesHostWildcard(t *testing.T) {
	set, err := Compile([]string{"*.example.com"}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if !set.MatchesHost("api.example.com") {
		t.Error("expected api.example.com to match *.example.com")
	}
	if set.MatchesHost("example.org") {
		t.Error("did not expect example.org to match")
	}
}

func TestMatchesHostStripsPort(t *testing.T) {
	set, err := Compile([]string{"api.example.com"}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !set.MatchesHost("api.example.com:443") {
		t.Error("expected host:port to match the bare host pattern")
	}
}

func TestMatchesURLIncludeExclude(t *testing.T) {
	set, err := Compile(
		[]string{"https://api.example.com/*"},
		[]string{"https://api.example.com/internal/*"},
	)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if !set.MatchesURL("https://api.example.com/v1/users") {
		t.Error("expected /v1/users to match the include pattern")
	}
	if set.MatchesURL("https://api.example.com/internal/secrets") {
		t.Error("exclude pattern must override the include match")
	}
}

func TestMatchesURLCaseInsensitive(t *testing.T) {
	set, err := Compile([]string{"https://API.example.com/*"}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !set.MatchesURL("https://api.example.com/X") {
		t.Error("expected case-insensitive match")
	}
}

func TestMatchesURLNoIncludeMeansNotWatched(t *testing.T) {
	set, err := Compile([]string{"https://other.example.com/*"}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if set.MatchesURL("https://api.example.com/x") {
		t.Error("URL outside the watch set must not match")
	}
}

func TestMatchCountIncrementsOnMatch(t *testing.T) {
	set, err := Compile([]string{"https://api.example.com/*"}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	set.MatchesURL("https://api.example.com/a")
	set.MatchesURL("https://api.example.com/b")
	if got := set.entries[0].MatchCount(); got != 2 {
		t.Fatalf("expected match count 2, got %d", got)
	}
}
