package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.

type AuthorModel struct {
	ID          string    `gorm:"primaryKey"`
	PenName     string    `gorm:"uniqueIndex;not null"`
	StylePrompt string    `gorm:"type:text"`
	Bio         string    `gorm:"type:text"`
	Genre       string    `gorm:"index;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

type BookModel struct {
	ID           string    `gorm:"primaryKey"`
	Title        string    `gorm:"not null"`
	Summary      string    `gorm:"type:text;not null"`
	PageCount    int       `gorm:"not null"`
	CoverPrompt  string    `gorm:"type:text"`
	AuthorID     string    `gorm:"index;not null"`
	LanguageCode string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type SectionModel struct {
	ID       string `gorm:"primaryKey"`
	BookID   string `gorm:"not null;uniqueIndex:ux_section_book_pos,priority:1"`
	Position int    `gorm:"not null;uniqueIndex:ux_section_book_pos,priority:2"`
	Title    string `gorm:"not null"`
	FromPage int    `gorm:"not null"`
	ToPage   int    `gorm:"not null"`
	Summary  string `gorm:"type:text"`
}

type EditionModel struct {
	ID           string    `gorm:"primaryKey"`
	BookID       string    `gorm:"not null;uniqueIndex:ux_edition_tuple,priority:1"`
	LanguageCode string    `gorm:"not null;uniqueIndex:ux_edition_tuple,priority:2"`
	ModelID      int       `gorm:"not null;uniqueIndex:ux_edition_tuple,priority:3"`
	CreatedAt    time.Time `gorm:"not null"`
}

// SearchModel rows are created exactly once per fingerprint+page; the unique
// index is what makes the write path idempotent under retry.
type SearchModel struct {
	ID          string         `gorm:"primaryKey"`
	Fingerprint string         `gorm:"not null;uniqueIndex:ux_search_fp_page,priority:1"`
	PageNumber  int            `gorm:"not null;uniqueIndex:ux_search_fp_page,priority:2"`
	UserID      string         `gorm:"index"`
	Facets      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
}

type SearchBookModel struct {
	ID        string `gorm:"primaryKey"`
	SearchID  string `gorm:"not null;uniqueIndex:ux_search_rank,priority:1"`
	Rank      int    `gorm:"not null;uniqueIndex:ux_search_rank,priority:2"`
	BookID    string `gorm:"not null"`
	EditionID string `gorm:"not null"`
}

type ModelPricingModel struct {
	ModelID        int    `gorm:"primaryKey"`
	Name           string `gorm:"not null"`
	SearchCost     int64  `gorm:"not null"`
	PagesPerCredit int    `gorm:"not null"`
}

// ProviderKeyModel stores a user's personal provider API key, encrypted at
// rest. Presence of a row is the alternate authorization path.
type ProviderKeyModel struct {
	UserID     string    `gorm:"primaryKey"`
	Ciphertext []byte    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}
