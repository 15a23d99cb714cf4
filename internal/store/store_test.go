package store

import "testing"

func TestGlobalGetSet(t *testing.T) {
	g := NewGlobal()
	if _, ok := g.Get("missing"); ok {
		t.Fatal("expected missing key to be absent")
	}
	g.Set("k", 42)
	v, ok := g.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("expected 42, got %v (ok=%v)", v, ok)
	}
}

func TestGlobalGetOrInsertOnlyInsertsOnce(t *testing.T) {
	g := NewGlobal()
	calls := 0
	insert := func() any {
		calls++
		return []int{}
	}
	g.GetOrInsert("list", insert)
	g.GetOrInsert("list", insert)
	if calls != 1 {
		t.Fatalf("expected insert() to run once, ran %d times", calls)
	}
}

func TestRequestsAllocateAndRelease(t *testing.T) {
	r := NewRequests()
	pr := r.Allocate("req-1")
	pr.Set("mock", "value")

	got := r.Get("req-1")
	if got == nil {
		t.Fatal("expected per-request store to be present")
	}
	if v, _ := got.Get("mock"); v != "value" {
		t.Fatalf("expected value, got %v", v)
	}

	r.Release("req-1")
	if r.Get("req-1") != nil {
		t.Fatal("expected per-request store to be released")
	}
	if r.Len() != 0 {
		t.Fatalf("expected 0 live requests, got %d", r.Len())
	}
}

func TestPerRequestDelete(t *testing.T) {
	r := NewRequests()
	pr := r.Allocate("req-1")
	pr.Set("k", 1)
	pr.Delete("k")
	if _, ok := pr.Get("k"); ok {
		t.Fatal("expected key to be deleted")
	}
}
