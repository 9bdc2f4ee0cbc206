package store

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookwright/internal/util"
	"bookwright/pkg/domain"
)

// MemoryStore keeps the whole graph in-process. It mirrors the GormStore
// semantics (idempotent search puts, pen-name uniqueness) for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	searches  map[string]domain.SearchResult // key: fingerprint|page
	authors   map[string]domain.Author       // key: author ID
	penNames  map[string]struct{}
	pricing   map[int]domain.ModelPricing
	provider  map[string][]byte
	rng       *rand.Rand
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		searches: make(map[string]domain.SearchResult),
		authors:  make(map[string]domain.Author),
		penNames: make(map[string]struct{}),
		pricing:  make(map[int]domain.ModelPricing),
		provider: make(map[string][]byte),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func searchKey(fp string, page int) string {
	return fmt.Sprintf("%s|%d", fp, page)
}

// GetSearch returns a stored result.
func (m *MemoryStore) GetSearch(_ context.Context, fp string, page int) (domain.SearchResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.searches[searchKey(fp, page)]
	return result, ok, nil
}

// PutSearch stores the graph; the first write for a fingerprint+page wins and
// later writes return the existing result untouched.
func (m *MemoryStore) PutSearch(_ context.Context, params PutSearchParams) (domain.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := searchKey(params.Fingerprint, params.PageNumber)
	if existing, ok := m.searches[key]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	result := domain.SearchResult{
		ID:          uuid.NewString(),
		Fingerprint: params.Fingerprint,
		PageNumber:  params.PageNumber,
		UserID:      params.UserID,
		CreatedAt:   now,
		Books:       make([]domain.RankedBook, 0, len(params.Books)),
	}
	for i, book := range params.Books {
		book.ID = uuid.NewString()
		book.LanguageCode = params.LanguageCode
		book.CreatedAt = now
		author, ok := m.authors[book.AuthorID]
		if !ok {
			return domain.SearchResult{}, fmt.Errorf("%w: unknown author %s", domain.ErrPersistenceFailed, book.AuthorID)
		}
		result.Books = append(result.Books, domain.RankedBook{
			Rank:   i + 1,
			Book:   book,
			Author: author,
			Edition: domain.Edition{
				ID:           uuid.NewString(),
				BookID:       book.ID,
				LanguageCode: params.LanguageCode,
				ModelID:      params.ModelID,
				CreatedAt:    now,
			},
		})
	}
	m.searches[key] = result
	return result, nil
}

// SampleAuthorsByGenre returns up to limit genre authors, shuffled.
func (m *MemoryStore) SampleAuthorsByGenre(_ context.Context, genre string, limit int) ([]domain.Author, error) {
	if limit <= 0 {
		return []domain.Author{}, nil
	}
	m.mu.RLock()
	matched := make([]domain.Author, 0)
	for _, author := range m.authors {
		if author.Genre == genre {
			matched = append(matched, author)
		}
	}
	m.mu.RUnlock()
	m.rng.Shuffle(len(matched), func(i, j int) {
		matched[i], matched[j] = matched[j], matched[i]
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CreateAuthor inserts an author, suffixing the pen name on collision.
func (m *MemoryStore) CreateAuthor(_ context.Context, author domain.Author) (domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := author.PenName
	name := base
	for attempt := 0; attempt < penNameAttempts; attempt++ {
		if attempt > 0 {
			name = fmt.Sprintf("%s %s", base, util.NewID()[:4])
		}
		if _, taken := m.penNames[name]; taken {
			continue
		}
		author.ID = uuid.NewString()
		author.PenName = name
		author.CreatedAt = time.Now().UTC()
		m.penNames[name] = struct{}{}
		m.authors[author.ID] = author
		return author, nil
	}
	return domain.Author{}, fmt.Errorf("could not find unique pen name for %q", base)
}

// GetModelPricing returns the cost entry for a model.
func (m *MemoryStore) GetModelPricing(_ context.Context, modelID int) (domain.ModelPricing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pricing, ok := m.pricing[modelID]
	return pricing, ok, nil
}

// SeedModelPricing replaces pricing entries.
func (m *MemoryStore) SeedModelPricing(_ context.Context, pricing []domain.ModelPricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pricing {
		m.pricing[p.ModelID] = p
	}
	return nil
}

// SetProviderKey stores a user's encrypted key.
func (m *MemoryStore) SetProviderKey(_ context.Context, userID string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(ciphertext))
	copy(buf, ciphertext)
	m.provider[userID] = buf
	return nil
}

// GetProviderKey returns a user's encrypted key.
func (m *MemoryStore) GetProviderKey(_ context.Context, userID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.provider[userID]
	return key, ok, nil
}

// DeleteProviderKey removes a user's key.
func (m *MemoryStore) DeleteProviderKey(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.provider, userID)
	return nil
}
