package store

import (
	"context"

	"gorm.io/datatypes"

	"bookwright/pkg/domain"
)

// PutSearchParams bundles everything the commit pipeline persists as one
// atomic unit: books (with sections), their editions, and the ranked search
// linkage. Authors referenced by the books must already exist.
type PutSearchParams struct {
	Fingerprint  string
	PageNumber   int
	UserID       string
	ModelID      int
	LanguageCode string
	Facets       datatypes.JSON
	Books        []domain.Book
}

// Store is the durable relational store consumed by the pipeline.
type Store interface {
	// GetSearch is a pure read; a present result carries every field needed
	// to answer the request without touching the generator.
	GetSearch(ctx context.Context, fingerprint string, pageNumber int) (domain.SearchResult, bool, error)

	// PutSearch persists the whole graph in one transaction. It is
	// idempotent for a given fingerprint+page: a concurrent or retried put
	// converges on the first committed row.
	PutSearch(ctx context.Context, params PutSearchParams) (domain.SearchResult, error)

	// SampleAuthorsByGenre returns up to limit authors for the genre in
	// random order.
	SampleAuthorsByGenre(ctx context.Context, genre string, limit int) ([]domain.Author, error)

	// CreateAuthor inserts a new author, resolving pen-name collisions by
	// retrying with a random suffix. The stored author is returned.
	CreateAuthor(ctx context.Context, author domain.Author) (domain.Author, error)

	GetModelPricing(ctx context.Context, modelID int) (domain.ModelPricing, bool, error)
	SeedModelPricing(ctx context.Context, pricing []domain.ModelPricing) error

	SetProviderKey(ctx context.Context, userID string, ciphertext []byte) error
	GetProviderKey(ctx context.Context, userID string) ([]byte, bool, error)
	DeleteProviderKey(ctx context.Context, userID string) error
}
