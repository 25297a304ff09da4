package lookupcache

import (
	"testing"

	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/services/lookup"
)

func blocked(id int64) domain.Resolution {
	return domain.Resolution{Block: &domain.BlockRecord{ID: id}, Attempt: domain.AttemptTarget}
}

func TestRequestCache_HitMissAndPut(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	key := lookup.CacheKey{Scope: lookup.ScopeTarget, Address: "1.2.3.4"}

	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss before put")
	}
	c.Put(key, blocked(7))

	got, ok := c.Get(key)
	if !ok || got.ID() != 7 {
		t.Fatalf("unexpected get: ok=%v got=%+v", ok, got)
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("stats hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestRequestCache_KeyComponents(t *testing.T) {
	c, err := New(8)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	base := lookup.CacheKey{Scope: lookup.ScopeActor, IdentityID: 7, Address: "1.2.3.4"}
	c.Put(base, blocked(1))

	variants := []lookup.CacheKey{
		{Scope: lookup.ScopeTarget, IdentityID: 7, Address: "1.2.3.4"},
		{Scope: lookup.ScopeActor, IdentityID: 8, Address: "1.2.3.4"},
		{Scope: lookup.ScopeActor, IdentityID: 7, Address: "1.2.3.5"},
		{Scope: lookup.ScopeActor, IdentityID: 7, Address: "1.2.3.4", Flags: domain.SkipSoftAddressBlocks},
		{Scope: lookup.ScopeActor, IdentityID: 7, Address: "1.2.3.4", Exempt: true},
	}
	for _, k := range variants {
		if _, ok := c.Get(k); ok {
			t.Fatalf("unexpected hit for %+v", k)
		}
	}
	if _, ok := c.Get(base); !ok {
		t.Fatalf("expected hit for base key")
	}
}

func TestRequestCache_Eviction(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for i := range 3 {
		c.Put(lookup.CacheKey{IdentityID: uint64(i + 1)}, blocked(int64(i)))
	}
	if got := c.Len(); got != 2 {
		t.Fatalf("len=%d want=2 after eviction", got)
	}
	if _, ok := c.Get(lookup.CacheKey{IdentityID: 1}); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
}

func TestRequestCache_Disabled(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	key := lookup.CacheKey{Address: "1.2.3.4"}
	c.Put(key, blocked(1))
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss in disabled cache")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("len=%d want=0 for disabled", got)
	}
	if h, m := c.Stats(); h != 0 || m != 0 {
		t.Fatalf("disabled cache should not count, got %d/%d", h, m)
	}
}
