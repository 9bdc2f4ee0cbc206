// Package fingerprint derives the deterministic cache key for a search.
//
// The fingerprint hashes a canonical serialization of the fields that select
// a result set: trimmed free text, genre, the sorted tag set, page number and
// page size. Model and language are deliberately excluded; they pick an
// edition of the same conceptual result set, not a different result set.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"bookwright/pkg/domain"
)

// Key is a normalized search request. Two semantically equal requests
// canonicalize to equal Keys and therefore to byte-identical fingerprints.
type Key struct {
	FreeText     string
	GenreSlug    string
	TagSlugs     []string
	PageNumber   int
	PageSize     int
	LanguageCode string
	ModelID      int
}

// Canonicalize validates and normalizes a raw request. Free text is trimmed,
// tag slugs are lowercased, deduplicated and sorted, and an unset page number
// defaults to 1. The request must carry a model ID and at least one of free
// text, genre or language.
func Canonicalize(req domain.SearchRequest, pageSize int) (Key, error) {
	if pageSize <= 0 {
		return Key{}, fmt.Errorf("%w: page size not configured", domain.ErrInvalidRequest)
	}
	if req.ModelID <= 0 {
		return Key{}, fmt.Errorf("%w: modelId required", domain.ErrInvalidRequest)
	}
	freeText := strings.TrimSpace(req.FreeText)
	genre := normalizeSlug(req.GenreSlug)
	language := normalizeSlug(req.LanguageCode)
	if freeText == "" && genre == "" && language == "" {
		return Key{}, fmt.Errorf("%w: one of freeText, genreSlug or languageCode required", domain.ErrInvalidRequest)
	}
	page := req.PageNumber
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return Key{}, fmt.Errorf("%w: pageNumber must be >= 1", domain.ErrInvalidRequest)
	}
	return Key{
		FreeText:     freeText,
		GenreSlug:    genre,
		TagSlugs:     normalizeTags(req.TagSlugs),
		PageNumber:   page,
		PageSize:     pageSize,
		LanguageCode: language,
		ModelID:      req.ModelID,
	}, nil
}

// Fingerprint returns the hex sha256 digest of the canonical serialization.
// Map marshaling emits keys in sorted order, which makes the encoding
// independent of field declaration or insertion order.
func (k Key) Fingerprint() string {
	tags := k.TagSlugs
	if tags == nil {
		tags = []string{}
	}
	payload := map[string]any{
		"freeText": nullable(k.FreeText),
		"genre":    nullable(k.GenreSlug),
		"tags":     tags,
		"page":     k.PageNumber,
		"pageSize": k.PageSize,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeSlug(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, tag := range raw {
		slug := normalizeSlug(tag)
		if slug == "" {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
