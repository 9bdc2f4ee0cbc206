package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCachedClassifierMemoizes(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	gen := &fakeGen{}
	c := NewCachedClassifier(gen, client, time.Hour)

	first, err := c.Classify(ctx, "cozy village murder")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	second, err := c.Classify(ctx, "  Cozy Village Murder ")
	if err != nil {
		t.Fatalf("cached classify: %v", err)
	}
	if first != second {
		t.Fatalf("cached facets differ: %+v vs %+v", first, second)
	}
	if _, _, calls := gen.calls(); calls != 1 {
		t.Fatalf("expected one model call, got %d", calls)
	}

	if _, err := c.Classify(ctx, "space opera saga"); err != nil {
		t.Fatalf("classify new text: %v", err)
	}
	if _, _, calls := gen.calls(); calls != 2 {
		t.Fatalf("new text must reach the model, got %d calls", calls)
	}
}

func TestCachedClassifierWithoutRedis(t *testing.T) {
	gen := &fakeGen{}
	c := NewCachedClassifier(gen, nil, 0)
	if _, err := c.Classify(context.Background(), "anything"); err != nil {
		t.Fatalf("classify without cache: %v", err)
	}
	if _, err := c.Classify(context.Background(), "anything"); err != nil {
		t.Fatalf("second classify: %v", err)
	}
	if _, _, calls := gen.calls(); calls != 2 {
		t.Fatalf("no cache means every call reaches the model, got %d", calls)
	}
}
