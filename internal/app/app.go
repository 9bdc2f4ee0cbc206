// Package app runs the search pipeline: fingerprint the request, serve the
// cached page when one exists, otherwise take the per-page lock, authorize
// credits, generate the page, persist it atomically and settle the actual
// cost.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookwright/internal/genlock"
	"bookwright/pkg/ai"
	"bookwright/pkg/domain"
	"bookwright/pkg/fingerprint"
	"bookwright/pkg/ledger"
	"bookwright/pkg/queue"
	"bookwright/pkg/reconcile"
	"bookwright/pkg/secrets"
	"bookwright/pkg/storage"
	"bookwright/pkg/store"
)

const defaultLanguage = "en"

// bookGenerator is the slice of the generation gateway the pipeline calls
// directly.
type bookGenerator interface {
	GenerateBooks(ctx context.Context, req ai.BooksRequest) ([]ai.BookDraft, error)
}

// settlementEnqueuer pushes failed settlements onto the retry queue.
type settlementEnqueuer interface {
	Enqueue(ctx context.Context, job queue.SettlementJob) (queue.SettlementJob, error)
}

// Config tunes the pipeline.
type Config struct {
	// PageSize is the fixed number of books per result page.
	PageSize int
	// InitialGrant is credited when a user's account is first touched.
	InitialGrant int64
	// CoverURLTTL bounds presigned cover links.
	CoverURLTTL time.Duration
	// LockTTL bounds how long a crashed pipeline can hold a page lock.
	LockTTL time.Duration
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Store       store.Store
	Ledger      ledger.Ledger
	Selector    *AuthorSelector
	Classifier  *CachedClassifier
	Books       bookGenerator
	Locker      genlock.Locker
	Covers      storage.CoverStore
	Settlements settlementEnqueuer
	Reconciler  reconcile.Publisher
	Vault       *secrets.Vault
	Logger      *slog.Logger
}

// App is the search service core.
type App struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New validates the wiring and returns the app.
func New(cfg Config, deps Deps) (*App, error) {
	if cfg.PageSize <= 0 {
		return nil, errors.New("page size must be positive")
	}
	if cfg.CoverURLTTL <= 0 {
		cfg.CoverURLTTL = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if deps.Store == nil || deps.Ledger == nil || deps.Selector == nil || deps.Books == nil || deps.Locker == nil {
		return nil, errors.New("store, ledger, selector, books and locker are required")
	}
	if deps.Covers == nil {
		deps.Covers = storage.NoopCoverStore{}
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.LogPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &App{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// Search answers a search request. Cache hits are served to anyone; the miss
// path requires a user and either credits or a stored provider key. The bool
// reports whether the page was served from the cache.
func (a *App) Search(ctx context.Context, userID string, req domain.SearchRequest) (domain.SearchResult, bool, error) {
	req, err := a.resolveFacets(ctx, req)
	if err != nil {
		return domain.SearchResult{}, false, err
	}
	key, err := fingerprint.Canonicalize(req, a.cfg.PageSize)
	if err != nil {
		return domain.SearchResult{}, false, err
	}
	fp := key.Fingerprint()

	if result, ok, err := a.deps.Store.GetSearch(ctx, fp, key.PageNumber); err != nil {
		return domain.SearchResult{}, false, err
	} else if ok {
		return a.withCovers(ctx, result), true, nil
	}

	if userID == "" {
		return domain.SearchResult{}, false, domain.ErrAuthenticationRequired
	}

	pricing, ok, err := a.deps.Store.GetModelPricing(ctx, key.ModelID)
	if err != nil {
		return domain.SearchResult{}, false, err
	}
	if !ok {
		return domain.SearchResult{}, false, fmt.Errorf("%w: model %d", domain.ErrUnknownModel, key.ModelID)
	}

	apiKey, metered := a.providerKey(ctx, userID)

	// Lock before authorizing: a duplicate request that loses the race takes
	// the committed page as a hit and never places a hold of its own.
	lockKey := fp + ":" + strconv.Itoa(key.PageNumber)
	token, cached, err := a.acquirePageLock(ctx, lockKey)
	if err != nil {
		return domain.SearchResult{}, false, err
	}
	if cached != nil {
		return a.withCovers(ctx, *cached), true, nil
	}

	// The client may hang up while the model is still writing; finishing and
	// persisting is cheaper than wasting the won lock.
	genCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := a.deps.Locker.Release(genCtx, lockKey, token); err != nil {
			a.log.Warn("release page lock", "key", lockKey, "error", err)
		}
	}()

	// Re-check under the lock: the previous holder may have committed between
	// the first read and the acquire.
	if result, ok, err := a.deps.Store.GetSearch(ctx, fp, key.PageNumber); err != nil {
		return domain.SearchResult{}, false, err
	} else if ok {
		return a.withCovers(ctx, result), true, nil
	}

	var holdID string
	if metered {
		if err := a.deps.Ledger.EnsureAccount(ctx, userID, a.cfg.InitialGrant); err != nil {
			return domain.SearchResult{}, false, err
		}
		holdID, err = a.deps.Ledger.Authorize(ctx, userID, pricing.SearchCost)
		if err != nil {
			return domain.SearchResult{}, false, err
		}
	}

	result, totalPages, err := a.generateAndPersist(genCtx, userID, key, fp, apiKey)
	if err != nil {
		a.releaseHold(genCtx, metered, userID, holdID)
		return domain.SearchResult{}, false, err
	}

	if metered {
		cost := creditCost(totalPages, pricing.PagesPerCredit)
		a.settle(genCtx, userID, holdID, cost, result.ID)
	}
	return a.withCovers(ctx, result), false, nil
}

// resolveFacets fills missing genre and language from the free text before
// fingerprinting, so "cozy murder mystery" and an explicit mystery search
// land on comparable keys.
func (a *App) resolveFacets(ctx context.Context, req domain.SearchRequest) (domain.SearchRequest, error) {
	if a.deps.Classifier == nil || strings.TrimSpace(req.FreeText) == "" {
		return req, nil
	}
	if req.GenreSlug != "" && req.LanguageCode != "" {
		return req, nil
	}
	facets, err := a.deps.Classifier.Classify(ctx, req.FreeText)
	if err != nil {
		return domain.SearchRequest{}, err
	}
	if req.GenreSlug == "" {
		req.GenreSlug = facets.Genre
	}
	if req.LanguageCode == "" {
		req.LanguageCode = facets.LanguageCode
	}
	return req, nil
}

// acquirePageLock wins the lock or waits out the current holder. When the
// holder committed the page meanwhile, that result is returned instead.
func (a *App) acquirePageLock(ctx context.Context, lockKey string) (string, *domain.SearchResult, error) {
	for {
		token, ok, err := a.deps.Locker.TryAcquire(ctx, lockKey, a.cfg.LockTTL)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return token, nil, nil
		}
		if err := a.deps.Locker.Wait(ctx, lockKey); err != nil {
			return "", nil, err
		}
		fp, page, ok := splitLockKey(lockKey)
		if !ok {
			continue
		}
		if result, found, err := a.deps.Store.GetSearch(ctx, fp, page); err != nil {
			return "", nil, err
		} else if found {
			return "", &result, nil
		}
	}
}

func (a *App) generateAndPersist(ctx context.Context, userID string, key fingerprint.Key, fp, apiKey string) (domain.SearchResult, int, error) {
	language := key.LanguageCode
	if language == "" {
		language = defaultLanguage
	}

	authors, err := a.deps.Selector.Select(ctx, key.GenreSlug, language, key.FreeText, a.cfg.PageSize, apiKey)
	if err != nil {
		return domain.SearchResult{}, 0, err
	}
	drafts, err := a.deps.Books.GenerateBooks(ctx, ai.BooksRequest{
		FreeText:     key.FreeText,
		Genre:        key.GenreSlug,
		LanguageCode: language,
		Tags:         key.TagSlugs,
		PageNumber:   key.PageNumber,
		Count:        a.cfg.PageSize,
		Authors:      authors,
		APIKey:       apiKey,
	})
	if err != nil {
		return domain.SearchResult{}, 0, err
	}

	totalPages := 0
	books := make([]domain.Book, 0, len(drafts))
	for _, draft := range drafts {
		totalPages += draft.PageCount
		books = append(books, domain.Book{
			Title:        draft.Title,
			Summary:      draft.Summary,
			PageCount:    draft.PageCount,
			CoverPrompt:  draft.CoverPrompt,
			AuthorID:     authors[draft.AuthorIndex].ID,
			LanguageCode: language,
			Sections:     draft.Sections,
		})
	}

	facets, _ := json.Marshal(map[string]any{
		"freeText": key.FreeText,
		"genre":    key.GenreSlug,
		"tags":     key.TagSlugs,
	})
	result, err := a.deps.Store.PutSearch(ctx, store.PutSearchParams{
		Fingerprint:  fp,
		PageNumber:   key.PageNumber,
		UserID:       userID,
		ModelID:      key.ModelID,
		LanguageCode: language,
		Facets:       facets,
		Books:        books,
	})
	if err != nil {
		return domain.SearchResult{}, 0, err
	}
	return result, totalPages, nil
}

// settle debits the actual cost. A failed inline settle goes to the retry
// queue; when even enqueueing fails the event lands with the reconciler so
// the debt stays visible. The user keeps their result either way.
func (a *App) settle(ctx context.Context, userID, holdID string, cost int64, searchID string) {
	description := "search:" + searchID
	err := a.deps.Ledger.Settle(ctx, userID, holdID, cost, description)
	if err == nil {
		return
	}
	a.log.Error("inline settlement failed", "userId", userID, "searchId", searchID, "error", err)
	if a.deps.Settlements != nil {
		if _, qErr := a.deps.Settlements.Enqueue(ctx, queue.SettlementJob{
			UserID:      userID,
			SearchID:    searchID,
			HoldID:      holdID,
			Amount:      cost,
			Description: description,
		}); qErr == nil {
			return
		} else {
			a.log.Error("enqueue settlement retry failed", "searchId", searchID, "error", qErr)
		}
	}
	if pubErr := a.deps.Reconciler.Publish(ctx, reconcile.Event{
		UserID:      userID,
		SearchID:    searchID,
		HoldID:      holdID,
		Amount:      cost,
		Description: description,
		Reason:      err.Error(),
	}); pubErr != nil {
		a.log.Error("publish reconciliation event failed", "searchId", searchID, "error", pubErr)
	}
}

// SettleJob is the retry queue handler.
func (a *App) SettleJob(ctx context.Context, job queue.SettlementJob) error {
	return a.deps.Ledger.Settle(ctx, job.UserID, job.HoldID, job.Amount, job.Description)
}

// ReconcileExhausted publishes a reconciliation event for a job that failed
// its final retry.
func (a *App) ReconcileExhausted(ctx context.Context, job queue.SettlementJob) {
	if err := a.deps.Reconciler.Publish(ctx, reconcile.Event{
		UserID:      job.UserID,
		SearchID:    job.SearchID,
		HoldID:      job.HoldID,
		Amount:      job.Amount,
		Description: job.Description,
		Reason:      "settlement retries exhausted",
	}); err != nil {
		a.log.Error("publish reconciliation event failed", "searchId", job.SearchID, "error", err)
	}
}

// Credits returns the user's balance and recent transactions, creating the
// account on first touch.
func (a *App) Credits(ctx context.Context, userID string, txLimit int) (domain.CreditAccount, []domain.CreditTransaction, error) {
	if err := a.deps.Ledger.EnsureAccount(ctx, userID, a.cfg.InitialGrant); err != nil {
		return domain.CreditAccount{}, nil, err
	}
	return a.deps.Ledger.Account(ctx, userID, txLimit)
}

// SetProviderKey seals and stores the user's own model API key. Searches by
// key holders skip credit metering.
func (a *App) SetProviderKey(ctx context.Context, userID, rawKey string) error {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return fmt.Errorf("%w: provider key must not be empty", domain.ErrInvalidRequest)
	}
	if a.deps.Vault == nil {
		return errors.New("provider keys are not configured")
	}
	sealed, err := a.deps.Vault.Seal([]byte(rawKey))
	if err != nil {
		return err
	}
	return a.deps.Store.SetProviderKey(ctx, userID, sealed)
}

// DeleteProviderKey removes the stored key; subsequent searches are metered.
func (a *App) DeleteProviderKey(ctx context.Context, userID string) error {
	return a.deps.Store.DeleteProviderKey(ctx, userID)
}

// providerKey returns the user's decrypted API key, when one is stored and
// opens cleanly, and whether the search should be metered.
func (a *App) providerKey(ctx context.Context, userID string) (string, bool) {
	if a.deps.Vault == nil {
		return "", true
	}
	sealed, ok, err := a.deps.Store.GetProviderKey(ctx, userID)
	if err != nil {
		a.log.Warn("load provider key", "userId", userID, "error", err)
		return "", true
	}
	if !ok {
		return "", true
	}
	raw, err := a.deps.Vault.Open(sealed)
	if err != nil {
		a.log.Warn("open provider key", "userId", userID, "error", err)
		return "", true
	}
	return string(raw), false
}

func (a *App) releaseHold(ctx context.Context, metered bool, userID, holdID string) {
	if !metered || holdID == "" {
		return
	}
	if err := a.deps.Ledger.Release(ctx, userID, holdID); err != nil {
		a.log.Warn("release credit hold", "userId", userID, "holdId", holdID, "error", err)
	}
}

// withCovers attaches presigned cover URLs. Cover lookups are best effort;
// a book without a cover still renders.
func (a *App) withCovers(ctx context.Context, result domain.SearchResult) domain.SearchResult {
	g, gctx := errgroup.WithContext(ctx)
	for i := range result.Books {
		i := i
		g.Go(func() error {
			url, err := a.deps.Covers.CoverURL(gctx, result.Books[i].Book.ID, a.cfg.CoverURLTTL)
			if err != nil {
				a.log.Warn("resolve cover url", "bookId", result.Books[i].Book.ID, "error", err)
				return nil
			}
			result.Books[i].CoverURL = url
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func creditCost(totalPages, pagesPerCredit int) int64 {
	if pagesPerCredit <= 0 {
		pagesPerCredit = 1
	}
	cost := (totalPages + pagesPerCredit - 1) / pagesPerCredit
	if cost < 1 {
		cost = 1
	}
	return int64(cost)
}

func splitLockKey(lockKey string) (string, int, bool) {
	idx := strings.LastIndexByte(lockKey, ':')
	if idx < 0 {
		return "", 0, false
	}
	page, err := strconv.Atoi(lockKey[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return lockKey[:idx], page, true
}
