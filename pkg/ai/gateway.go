package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bookwright/pkg/domain"
)

const (
	defaultAttempts    = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultTemperature = 1.0
)

// AuthorDraft is a generated author before persistence assigns an ID and a
// disambiguated pen name.
type AuthorDraft struct {
	PenName     string `json:"penName"`
	StylePrompt string `json:"stylePrompt"`
	Bio         string `json:"bio"`
}

// BookDraft is a generated book before persistence. AuthorIndex refers to the
// author list supplied with the request.
type BookDraft struct {
	Title       string           `json:"title"`
	Summary     string           `json:"summary"`
	PageCount   int              `json:"pageCount"`
	CoverPrompt string           `json:"coverPrompt"`
	AuthorIndex int              `json:"authorIndex"`
	Sections    []domain.Section `json:"sections"`
}

// AuthorsRequest asks for exactly Count fresh authors for a genre.
type AuthorsRequest struct {
	Genre        string
	LanguageCode string
	FreeText     string
	Count        int
	APIKey       string
}

// BooksRequest asks for exactly Count books matching the search facets,
// attributed to the supplied authors.
type BooksRequest struct {
	FreeText     string
	Genre        string
	LanguageCode string
	Tags         []string
	PageNumber   int
	Count        int
	Authors      []domain.Author
	APIKey       string
}

// GatewayConfig tunes retry and sampling behavior.
type GatewayConfig struct {
	Attempts    int
	Backoff     time.Duration
	Temperature float64
}

// Gateway invokes the structured-generation capability with bounded retries
// and validates every response against the expected shape before returning
// it. A malformed response counts as a failed attempt, same as a transport
// error or timeout.
type Gateway struct {
	gen         TextGenerator
	attempts    int
	backoff     time.Duration
	temperature float64

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wraps a TextGenerator with retry and validation.
func NewGateway(gen TextGenerator, cfg GatewayConfig) *Gateway {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	return &Gateway{
		gen:         gen,
		attempts:    attempts,
		backoff:     backoff,
		temperature: temperature,
		sleep:       sleepContext,
	}
}

// GenerateAuthors returns exactly req.Count author drafts.
func (g *Gateway) GenerateAuthors(ctx context.Context, req AuthorsRequest) ([]AuthorDraft, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("author count must be positive")
	}
	system, user := authorsPrompt(req)
	var drafts []AuthorDraft
	err := g.withRetries(ctx, req.APIKey, system, user, func(raw string) error {
		var payload struct {
			Authors []AuthorDraft `json:"authors"`
		}
		if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
			return fmt.Errorf("decode authors: %w", err)
		}
		if err := validateAuthors(payload.Authors, req.Count); err != nil {
			return err
		}
		drafts = payload.Authors
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

// GenerateBooks returns exactly req.Count book drafts, each attributed to one
// of the supplied authors and carrying a valid section partition.
func (g *Gateway) GenerateBooks(ctx context.Context, req BooksRequest) ([]BookDraft, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("book count must be positive")
	}
	if len(req.Authors) == 0 {
		return nil, fmt.Errorf("books request requires at least one author")
	}
	system, user := booksPrompt(req)
	var drafts []BookDraft
	err := g.withRetries(ctx, req.APIKey, system, user, func(raw string) error {
		var payload struct {
			Books []BookDraft `json:"books"`
		}
		if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
			return fmt.Errorf("decode books: %w", err)
		}
		if err := validateBooks(payload.Books, req.Count, len(req.Authors)); err != nil {
			return err
		}
		drafts = payload.Books
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

// Facets is the result of classifying free text into the missing facets.
type Facets struct {
	Genre        string `json:"genre"`
	LanguageCode string `json:"languageCode"`
}

// ClassifyFacets infers genre and language for a free-text query. Used as the
// normalization pre-step so fingerprints never contain unresolved facets.
func (g *Gateway) ClassifyFacets(ctx context.Context, freeText string) (Facets, error) {
	freeText = strings.TrimSpace(freeText)
	if freeText == "" {
		return Facets{}, fmt.Errorf("free text required for classification")
	}
	system, user := classifyPrompt(freeText)
	var facets Facets
	err := g.withRetries(ctx, "", system, user, func(raw string) error {
		var payload Facets
		if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
			return fmt.Errorf("decode facets: %w", err)
		}
		payload.Genre = strings.ToLower(strings.TrimSpace(payload.Genre))
		payload.LanguageCode = strings.ToLower(strings.TrimSpace(payload.LanguageCode))
		if payload.Genre == "" || payload.LanguageCode == "" {
			return fmt.Errorf("classification returned empty facets")
		}
		facets = payload
		return nil
	})
	if err != nil {
		return Facets{}, err
	}
	return facets, nil
}

func (g *Gateway) withRetries(ctx context.Context, apiKey, system, user string, accept func(raw string) error) error {
	opts := Options{
		Temperature: g.temperature,
		APIKey:      apiKey,
		JSONOnly:    true,
	}
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		raw, err := g.gen.GenerateText(ctx, system, user, opts)
		if err == nil {
			err = accept(raw)
			if err == nil {
				return nil
			}
		}
		lastErr = err
		if attempt == g.attempts {
			break
		}
		if err := g.sleep(ctx, g.backoff<<(attempt-1)); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", domain.ErrGenerationFailed, g.attempts, lastErr)
}

func validateAuthors(drafts []AuthorDraft, want int) error {
	if len(drafts) != want {
		return fmt.Errorf("author count mismatch: got %d, want %d", len(drafts), want)
	}
	for i, draft := range drafts {
		if strings.TrimSpace(draft.PenName) == "" {
			return fmt.Errorf("author %d: pen name empty", i)
		}
		if strings.TrimSpace(draft.Bio) == "" {
			return fmt.Errorf("author %d: bio empty", i)
		}
	}
	return nil
}

func validateBooks(drafts []BookDraft, want, authorCount int) error {
	if len(drafts) != want {
		return fmt.Errorf("book count mismatch: got %d, want %d", len(drafts), want)
	}
	for i, draft := range drafts {
		if strings.TrimSpace(draft.Title) == "" {
			return fmt.Errorf("book %d: title empty", i)
		}
		if strings.TrimSpace(draft.Summary) == "" {
			return fmt.Errorf("book %d: summary empty", i)
		}
		if draft.PageCount <= 0 {
			return fmt.Errorf("book %d: page count must be positive", i)
		}
		if draft.AuthorIndex < 0 || draft.AuthorIndex >= authorCount {
			return fmt.Errorf("book %d: author index %d out of range", i, draft.AuthorIndex)
		}
		if err := ValidateSections(draft.Sections, draft.PageCount); err != nil {
			return fmt.Errorf("book %d: %w", i, err)
		}
	}
	return nil
}

// ValidateSections checks that sections partition [1, pageCount] in
// increasing order with no gaps or overlaps.
func ValidateSections(sections []domain.Section, pageCount int) error {
	if len(sections) == 0 {
		return fmt.Errorf("no sections")
	}
	if sections[0].FromPage != 1 {
		return fmt.Errorf("sections start at page %d, want 1", sections[0].FromPage)
	}
	for i, section := range sections {
		if strings.TrimSpace(section.Title) == "" {
			return fmt.Errorf("section %d: title empty", i)
		}
		if section.ToPage < section.FromPage {
			return fmt.Errorf("section %d: range [%d,%d] inverted", i, section.FromPage, section.ToPage)
		}
		if i > 0 && section.FromPage != sections[i-1].ToPage+1 {
			return fmt.Errorf("section %d: starts at %d, previous ended at %d", i, section.FromPage, sections[i-1].ToPage)
		}
	}
	if last := sections[len(sections)-1].ToPage; last != pageCount {
		return fmt.Errorf("sections end at page %d, want %d", last, pageCount)
	}
	return nil
}

// extractJSON strips markdown code fences that some models wrap around JSON.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if idx := strings.LastIndex(raw, "```"); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
	}
	return raw
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
