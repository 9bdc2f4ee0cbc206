package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookwright/internal/util"
	"bookwright/pkg/domain"
)

const migrateLockID int64 = 48154815

// penNameAttempts bounds suffix retries on pen-name collisions.
const penNameAttempts = 6

var errSearchExists = errors.New("search already committed")

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent instances do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&AuthorModel{},
			&BookModel{},
			&SectionModel{},
			&EditionModel{},
			&SearchModel{},
			&SearchBookModel{},
			&ModelPricingModel{},
			&ProviderKeyModel{},
		)
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle so collaborators (the credit ledger) can
// share one connection pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetSearch loads the denormalized result for a fingerprint+page.
func (s *GormStore) GetSearch(ctx context.Context, fp string, page int) (domain.SearchResult, bool, error) {
	var search SearchModel
	if err := s.db.WithContext(ctx).
		First(&search, "fingerprint = ? AND page_number = ?", fp, page).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SearchResult{}, false, nil
		}
		return domain.SearchResult{}, false, err
	}

	var links []SearchBookModel
	if err := s.db.WithContext(ctx).
		Where("search_id = ?", search.ID).
		Order("rank ASC").
		Find(&links).Error; err != nil {
		return domain.SearchResult{}, false, err
	}

	result := domain.SearchResult{
		ID:          search.ID,
		Fingerprint: search.Fingerprint,
		PageNumber:  search.PageNumber,
		UserID:      search.UserID,
		CreatedAt:   search.CreatedAt,
		Books:       make([]domain.RankedBook, 0, len(links)),
	}
	for _, link := range links {
		book, err := s.loadBook(ctx, link.BookID)
		if err != nil {
			return domain.SearchResult{}, false, err
		}
		author, err := s.loadAuthor(ctx, book.AuthorID)
		if err != nil {
			return domain.SearchResult{}, false, err
		}
		edition, err := s.loadEdition(ctx, link.EditionID)
		if err != nil {
			return domain.SearchResult{}, false, err
		}
		result.Books = append(result.Books, domain.RankedBook{
			Rank:    link.Rank,
			Book:    book,
			Author:  author,
			Edition: edition,
		})
	}
	return result, true, nil
}

// PutSearch persists books, sections, editions and the ranked search linkage
// in one transaction. When another writer already committed this
// fingerprint+page, nothing is written and the existing result is returned.
func (s *GormStore) PutSearch(ctx context.Context, params PutSearchParams) (domain.SearchResult, error) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		search := SearchModel{
			ID:          uuid.NewString(),
			Fingerprint: params.Fingerprint,
			PageNumber:  params.PageNumber,
			UserID:      params.UserID,
			Facets:      params.Facets,
			CreatedAt:   now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}, {Name: "page_number"}},
			DoNothing: true,
		}).Create(&search)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSearchExists
		}
		for i, book := range params.Books {
			bookModel := BookModel{
				ID:           uuid.NewString(),
				Title:        book.Title,
				Summary:      book.Summary,
				PageCount:    book.PageCount,
				CoverPrompt:  book.CoverPrompt,
				AuthorID:     book.AuthorID,
				LanguageCode: params.LanguageCode,
				CreatedAt:    now,
			}
			if err := tx.Create(&bookModel).Error; err != nil {
				return err
			}
			for pos, section := range book.Sections {
				sectionModel := SectionModel{
					ID:       uuid.NewString(),
					BookID:   bookModel.ID,
					Position: pos + 1,
					Title:    section.Title,
					FromPage: section.FromPage,
					ToPage:   section.ToPage,
					Summary:  section.Summary,
				}
				if err := tx.Create(&sectionModel).Error; err != nil {
					return err
				}
			}
			edition := EditionModel{
				ID:           uuid.NewString(),
				BookID:       bookModel.ID,
				LanguageCode: params.LanguageCode,
				ModelID:      params.ModelID,
				CreatedAt:    now,
			}
			if err := tx.Create(&edition).Error; err != nil {
				return err
			}
			link := SearchBookModel{
				ID:        uuid.NewString(),
				SearchID:  search.ID,
				Rank:      i + 1,
				BookID:    bookModel.ID,
				EditionID: edition.ID,
			}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSearchExists) {
		return domain.SearchResult{}, fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)
	}
	result, ok, err := s.GetSearch(ctx, params.Fingerprint, params.PageNumber)
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)
	}
	if !ok {
		return domain.SearchResult{}, fmt.Errorf("%w: committed search not readable", domain.ErrPersistenceFailed)
	}
	return result, nil
}

// SampleAuthorsByGenre returns up to limit authors for the genre in random
// order, so repeated searches do not always surface the same authors.
func (s *GormStore) SampleAuthorsByGenre(ctx context.Context, genre string, limit int) ([]domain.Author, error) {
	if limit <= 0 {
		return []domain.Author{}, nil
	}
	var models []AuthorModel
	if err := s.db.WithContext(ctx).
		Where("genre = ?", genre).
		Order("RANDOM()").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	authors := make([]domain.Author, 0, len(models))
	for _, m := range models {
		authors = append(authors, authorFromModel(m))
	}
	return authors, nil
}

// CreateAuthor inserts an author. Pen-name collisions are resolved here, not
// in request handling: on a unique violation the insert retries with a fresh
// random suffix appended to the pen name.
func (s *GormStore) CreateAuthor(ctx context.Context, author domain.Author) (domain.Author, error) {
	base := author.PenName
	for attempt := 0; attempt < penNameAttempts; attempt++ {
		model := AuthorModel{
			ID:          uuid.NewString(),
			PenName:     base,
			StylePrompt: author.StylePrompt,
			Bio:         author.Bio,
			Genre:       author.Genre,
			CreatedAt:   time.Now().UTC(),
		}
		if attempt > 0 {
			model.PenName = fmt.Sprintf("%s %s", base, util.NewID()[:4])
		}
		err := s.db.WithContext(ctx).Create(&model).Error
		if err == nil {
			return authorFromModel(model), nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Author{}, err
		}
	}
	return domain.Author{}, fmt.Errorf("could not find unique pen name for %q", base)
}

// GetModelPricing returns the cost entry for a model.
func (s *GormStore) GetModelPricing(ctx context.Context, modelID int) (domain.ModelPricing, bool, error) {
	var model ModelPricingModel
	if err := s.db.WithContext(ctx).First(&model, "model_id = ?", modelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ModelPricing{}, false, nil
		}
		return domain.ModelPricing{}, false, err
	}
	return domain.ModelPricing{
		ModelID:        model.ModelID,
		Name:           model.Name,
		SearchCost:     model.SearchCost,
		PagesPerCredit: model.PagesPerCredit,
	}, true, nil
}

// SeedModelPricing upserts the configured pricing table.
func (s *GormStore) SeedModelPricing(ctx context.Context, pricing []domain.ModelPricing) error {
	for _, p := range pricing {
		model := ModelPricingModel{
			ModelID:        p.ModelID,
			Name:           p.Name,
			SearchCost:     p.SearchCost,
			PagesPerCredit: p.PagesPerCredit,
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "search_cost", "pages_per_credit"}),
		}).Create(&model).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetProviderKey stores or replaces a user's encrypted provider key.
func (s *GormStore) SetProviderKey(ctx context.Context, userID string, ciphertext []byte) error {
	model := ProviderKeyModel{
		UserID:     userID,
		Ciphertext: ciphertext,
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
	}).Create(&model).Error
}

// GetProviderKey returns the encrypted provider key for a user.
func (s *GormStore) GetProviderKey(ctx context.Context, userID string) ([]byte, bool, error) {
	var model ProviderKeyModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return model.Ciphertext, true, nil
}

// DeleteProviderKey removes a user's stored key.
func (s *GormStore) DeleteProviderKey(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&ProviderKeyModel{}, "user_id = ?", userID).Error
}

func (s *GormStore) loadBook(ctx context.Context, id string) (domain.Book, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Book{}, err
	}
	var sections []SectionModel
	if err := s.db.WithContext(ctx).
		Where("book_id = ?", id).
		Order("position ASC").
		Find(&sections).Error; err != nil {
		return domain.Book{}, err
	}
	book := domain.Book{
		ID:           model.ID,
		Title:        model.Title,
		Summary:      model.Summary,
		PageCount:    model.PageCount,
		CoverPrompt:  model.CoverPrompt,
		AuthorID:     model.AuthorID,
		LanguageCode: model.LanguageCode,
		CreatedAt:    model.CreatedAt,
		Sections:     make([]domain.Section, 0, len(sections)),
	}
	for _, section := range sections {
		book.Sections = append(book.Sections, domain.Section{
			Title:    section.Title,
			FromPage: section.FromPage,
			ToPage:   section.ToPage,
			Summary:  section.Summary,
		})
	}
	return book, nil
}

func (s *GormStore) loadAuthor(ctx context.Context, id string) (domain.Author, error) {
	var model AuthorModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Author{}, err
	}
	return authorFromModel(model), nil
}

func (s *GormStore) loadEdition(ctx context.Context, id string) (domain.Edition, error) {
	var model EditionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Edition{}, err
	}
	return domain.Edition{
		ID:           model.ID,
		BookID:       model.BookID,
		LanguageCode: model.LanguageCode,
		ModelID:      model.ModelID,
		CreatedAt:    model.CreatedAt,
	}, nil
}

func authorFromModel(m AuthorModel) domain.Author {
	return domain.Author{
		ID:          m.ID,
		PenName:     m.PenName,
		StylePrompt: m.StylePrompt,
		Bio:         m.Bio,
		Genre:       m.Genre,
		CreatedAt:   m.CreatedAt,
	}
}
