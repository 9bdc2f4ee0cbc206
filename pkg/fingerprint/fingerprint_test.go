package fingerprint

import (
	"errors"
	"testing"

	"bookwright/pkg/domain"
)

const testPageSize = 6

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Canonicalize(domain.SearchRequest{
		FreeText:   "  a detective in Victorian London ",
		GenreSlug:  "Mystery",
		TagSlugs:   []string{"victorian", "crime", "london"},
		ModelID:    3,
		PageNumber: 1,
	}, testPageSize)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := Canonicalize(domain.SearchRequest{
		FreeText:   "a detective in Victorian London",
		GenreSlug:  "mystery",
		TagSlugs:   []string{"london", "victorian", "crime", "crime"},
		ModelID:    3,
		PageNumber: 1,
	}, testPageSize)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("semantically equal requests produced different fingerprints:\n%s\n%s", a.Fingerprint(), b.Fingerprint())
	}
}

func TestFingerprintIgnoresModelAndLanguage(t *testing.T) {
	base := domain.SearchRequest{FreeText: "space opera", GenreSlug: "sci-fi", ModelID: 1, PageNumber: 1}
	a, _ := Canonicalize(base, testPageSize)

	other := base
	other.ModelID = 7
	other.LanguageCode = "fr"
	b, _ := Canonicalize(other, testPageSize)

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("model/language must not change the fingerprint")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := domain.SearchRequest{
		FreeText:   "a detective in Victorian London",
		GenreSlug:  "mystery",
		TagSlugs:   []string{"crime"},
		ModelID:    3,
		PageNumber: 1,
	}
	ref, _ := Canonicalize(base, testPageSize)

	variants := []domain.SearchRequest{}
	v := base
	v.FreeText = "a detective in modern London"
	variants = append(variants, v)
	v = base
	v.GenreSlug = "romance"
	variants = append(variants, v)
	v = base
	v.TagSlugs = []string{"crime", "noir"}
	variants = append(variants, v)
	v = base
	v.PageNumber = 2
	variants = append(variants, v)

	for i, variant := range variants {
		key, err := Canonicalize(variant, testPageSize)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if key.Fingerprint() == ref.Fingerprint() {
			t.Fatalf("variant %d did not change the fingerprint", i)
		}
	}
}

func TestCanonicalizeDefaultsPageNumber(t *testing.T) {
	key, err := Canonicalize(domain.SearchRequest{FreeText: "x", ModelID: 1}, testPageSize)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if key.PageNumber != 1 {
		t.Fatalf("unset page number should default to 1, got %d", key.PageNumber)
	}
}

func TestCanonicalizeValidation(t *testing.T) {
	cases := []struct {
		name string
		req  domain.SearchRequest
	}{
		{"missing model", domain.SearchRequest{FreeText: "x", PageNumber: 1}},
		{"all facets empty", domain.SearchRequest{TagSlugs: []string{"a"}, ModelID: 1, PageNumber: 1}},
		{"negative page", domain.SearchRequest{FreeText: "x", ModelID: 1, PageNumber: -2}},
	}
	for _, tc := range cases {
		if _, err := Canonicalize(tc.req, testPageSize); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", tc.name, err)
		}
	}
}
