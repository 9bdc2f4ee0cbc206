package app

import (
	"context"
	"testing"

	"bookwright/pkg/domain"
	"bookwright/pkg/store"
)

func TestSelectorReusesExistingAuthors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, name := range []string{"June Vale", "Omar Quist"} {
		if _, err := st.CreateAuthor(ctx, domain.Author{PenName: name, Genre: "noir"}); err != nil {
			t.Fatalf("seed author: %v", err)
		}
	}
	gen := &fakeGen{}
	sel := NewAuthorSelector(st, gen, 1.0)
	sel.coin = func() float64 { return 0 }

	pool, err := sel.Select(ctx, "noir", "en", "", 2, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("pool size = %d, want 2", len(pool))
	}
	if calls, _, _ := gen.calls(); calls != 0 {
		t.Fatalf("full reuse must not generate, %d calls", calls)
	}
	for _, author := range pool {
		if author.Genre != "noir" || author.ID == "" {
			t.Fatalf("unexpected pooled author: %+v", author)
		}
	}
}

func TestSelectorGeneratesWhenGenreIsEmpty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	gen := &fakeGen{}
	sel := NewAuthorSelector(st, gen, 1.0)
	sel.coin = func() float64 { return 0 }

	pool, err := sel.Select(ctx, "western", "en", "dusty trails", 3, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(pool) != 3 {
		t.Fatalf("pool size = %d, want 3", len(pool))
	}
	if calls, _, _ := gen.calls(); calls != 1 {
		t.Fatalf("expected one generation call, got %d", calls)
	}
	// Generated authors must be persisted, not just returned.
	sample, err := st.SampleAuthorsByGenre(ctx, "western", 10)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(sample) != 3 {
		t.Fatalf("expected 3 persisted authors, got %d", len(sample))
	}
}

func TestSelectorFlipsOncePerBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if _, err := st.CreateAuthor(ctx, domain.Author{PenName: "Lone Pen", Genre: "noir"}); err != nil {
		t.Fatalf("seed author: %v", err)
	}
	gen := &fakeGen{}
	sel := NewAuthorSelector(st, gen, 0.5)
	flips := 0
	sel.coin = func() float64 {
		flips++
		return 0 // heads: reuse the sample
	}

	pool, err := sel.Select(ctx, "noir", "en", "", 3, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if flips != 1 {
		t.Fatalf("reuse decision is one draw per batch, got %d draws", flips)
	}
	if len(pool) != 3 {
		t.Fatalf("pool size = %d, want 3", len(pool))
	}
	if pool[0].PenName != "Lone Pen" {
		t.Fatalf("heads must take the whole existing sample first, got %+v", pool[0])
	}
	if calls, _, _ := gen.calls(); calls != 1 {
		t.Fatalf("only the shortfall is generated, got %d calls", calls)
	}
}

func TestSelectorZeroReuseAlwaysGenerates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if _, err := st.CreateAuthor(ctx, domain.Author{PenName: "Existing Pen", Genre: "noir"}); err != nil {
		t.Fatalf("seed author: %v", err)
	}
	gen := &fakeGen{}
	sel := NewAuthorSelector(st, gen, 0)
	sel.coin = func() float64 { return 0 }

	pool, err := sel.Select(ctx, "noir", "en", "", 2, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for _, author := range pool {
		if author.PenName == "Existing Pen" {
			t.Fatalf("zero reuse probability must not pick existing authors")
		}
	}
}
