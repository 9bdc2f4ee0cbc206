package app

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"bookwright/pkg/ai"
	"bookwright/pkg/domain"
	"bookwright/pkg/store"
)

// authorGenerator is the slice of the generation gateway the selector needs.
type authorGenerator interface {
	GenerateAuthors(ctx context.Context, req ai.AuthorsRequest) ([]ai.AuthorDraft, error)
}

// AuthorSelector decides, once per page, whether to draw on existing authors
// of the genre or to mint fresh ones. Reuse keeps the catalog feeling like a
// shared world instead of every page inventing six strangers.
type AuthorSelector struct {
	store     store.Store
	gen       authorGenerator
	reuseProb float64

	// coin is swappable in tests.
	coin func() float64
}

// NewAuthorSelector builds a selector with the given reuse probability.
func NewAuthorSelector(st store.Store, gen authorGenerator, reuseProb float64) *AuthorSelector {
	if reuseProb < 0 {
		reuseProb = 0
	}
	if reuseProb > 1 {
		reuseProb = 1
	}
	return &AuthorSelector{
		store:     st,
		gen:       gen,
		reuseProb: reuseProb,
		coin:      rand.Float64,
	}
}

// Select returns a pool of count authors for the page. A single coin flip
// decides whether to reuse at all; heads takes the whole random genre sample
// (capped at count) and only the shortfall is generated, in one call, with
// the new authors persisted concurrently.
func (s *AuthorSelector) Select(ctx context.Context, genre, languageCode, freeText string, count int, apiKey string) ([]domain.Author, error) {
	if count <= 0 {
		return nil, fmt.Errorf("author pool size must be positive")
	}
	existing, err := s.store.SampleAuthorsByGenre(ctx, genre, count)
	if err != nil {
		return nil, fmt.Errorf("sample authors: %w", err)
	}

	pool := make([]domain.Author, 0, count)
	if len(existing) > 0 && s.coin() < s.reuseProb {
		if len(existing) > count {
			existing = existing[:count]
		}
		pool = append(pool, existing...)
	}
	newNeeded := count - len(pool)
	if newNeeded == 0 {
		return pool, nil
	}

	drafts, err := s.gen.GenerateAuthors(ctx, ai.AuthorsRequest{
		Genre:        genre,
		LanguageCode: languageCode,
		FreeText:     freeText,
		Count:        newNeeded,
		APIKey:       apiKey,
	})
	if err != nil {
		return nil, err
	}

	created := make([]domain.Author, len(drafts))
	g, gctx := errgroup.WithContext(ctx)
	for i, draft := range drafts {
		i, draft := i, draft
		g.Go(func() error {
			author, err := s.store.CreateAuthor(gctx, domain.Author{
				PenName:     draft.PenName,
				StylePrompt: draft.StylePrompt,
				Bio:         draft.Bio,
				Genre:       genre,
			})
			if err != nil {
				return fmt.Errorf("create author %q: %w", draft.PenName, err)
			}
			created[i] = author
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(pool, created...), nil
}
