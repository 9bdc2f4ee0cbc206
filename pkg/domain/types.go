package domain

import "time"

// SearchRequest is the raw, client-supplied search input before
// normalization. Genre and language may be empty, which means "infer them
// from the free text".
type SearchRequest struct {
	FreeText     string   `json:"freeText"`
	LanguageCode string   `json:"languageCode"`
	GenreSlug    string   `json:"genreSlug"`
	TagSlugs     []string `json:"tagSlugs"`
	ModelID      int      `json:"modelId"`
	PageNumber   int      `json:"pageNumber"`
}

// Author is a generated or reused pen identity. Pen names are globally
// unique; rows are immutable after creation.
type Author struct {
	ID          string    `json:"id"`
	PenName     string    `json:"penName"`
	StylePrompt string    `json:"-"`
	Bio         string    `json:"bio"`
	Genre       string    `json:"genre"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Section is one contiguous slice of a book's page range. Sections of a book
// partition [1, pageCount] with no gaps or overlaps.
type Section struct {
	Title    string `json:"title"`
	FromPage int    `json:"fromPage"`
	ToPage   int    `json:"toPage"`
	Summary  string `json:"summary"`
}

// Book is a conceptual generated book. Content rows are created once and only
// referenced afterwards.
type Book struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	PageCount    int       `json:"pageCount"`
	CoverPrompt  string    `json:"-"`
	AuthorID     string    `json:"authorId"`
	LanguageCode string    `json:"language"`
	Sections     []Section `json:"sections"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Edition is one generated printing of a conceptual book: the
// (book, language, model) tuple. A book may accumulate editions over time.
type Edition struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	LanguageCode string    `json:"languageCode"`
	ModelID      int       `json:"modelId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RankedBook is one entry of a persisted search page. Rank is 1-based and
// stable once written.
type RankedBook struct {
	Rank     int     `json:"rank"`
	Book     Book    `json:"book"`
	Author   Author  `json:"author"`
	Edition  Edition `json:"edition"`
	CoverURL string  `json:"coverUrl,omitempty"`
}

// SearchResult is the persisted association between a fingerprint+page and
// its ordered books. Created exactly once per fingerprint+page, immutable
// afterwards.
type SearchResult struct {
	ID          string       `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	PageNumber  int          `json:"pageNumber"`
	UserID      string       `json:"userId"`
	Books       []RankedBook `json:"books"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Credit transaction types. Balance changes only ever happen through a
// transaction row.
const (
	TxGrant = "grant"
	TxDebit = "debit"
)

// CreditAccount is the materialized balance projection for a user. The
// balance always equals the sum of the user's transactions.
type CreditAccount struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditTransaction is one append-only ledger entry. Amount is signed:
// grants positive, debits negative.
type CreditTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ModelPricing is the credit-cost table entry for one generation model.
// SearchCost is the pre-authorization estimate; the settled cost is
// ceil(totalGeneratedPages / PagesPerCredit).
type ModelPricing struct {
	ModelID        int    `json:"modelId"`
	Name           string `json:"name"`
	SearchCost     int64  `json:"searchCost"`
	PagesPerCredit int    `json:"pagesPerCredit"`
}
