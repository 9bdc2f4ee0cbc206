package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bookwright/internal/app"
	"bookwright/internal/genlock"
	"bookwright/pkg/ai"
	"bookwright/pkg/domain"
	"bookwright/pkg/ledger"
	"bookwright/pkg/secrets"
	"bookwright/pkg/store"
)

type staticVerifier struct{}

func (staticVerifier) VerifySubject(token string) (string, error) {
	if token == "bad-token" {
		return "", errors.New("invalid token")
	}
	return "user-" + token, nil
}

type stubGen struct{}

func (stubGen) GenerateAuthors(_ context.Context, req ai.AuthorsRequest) ([]ai.AuthorDraft, error) {
	drafts := make([]ai.AuthorDraft, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		drafts = append(drafts, ai.AuthorDraft{
			PenName: fmt.Sprintf("Pen Name %d", i),
			Bio:     "Bio.",
		})
	}
	return drafts, nil
}

func (stubGen) GenerateBooks(_ context.Context, req ai.BooksRequest) ([]ai.BookDraft, error) {
	drafts := make([]ai.BookDraft, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		drafts = append(drafts, ai.BookDraft{
			Title:       fmt.Sprintf("Title %d", i),
			Summary:     "Summary.",
			PageCount:   80,
			AuthorIndex: i % len(req.Authors),
			Sections:    []domain.Section{{Title: "All", FromPage: 1, ToPage: 80}},
		})
	}
	return drafts, nil
}

func (stubGen) ClassifyFacets(context.Context, string) (ai.Facets, error) {
	return ai.Facets{Genre: "mystery", LanguageCode: "en"}, nil
}

func newTestServer(t *testing.T, initialGrant int64) http.Handler {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.SeedModelPricing(context.Background(), []domain.ModelPricing{
		{ModelID: 1, Name: "standard", SearchCost: 2, PagesPerCredit: 40},
	}); err != nil {
		t.Fatalf("seed pricing: %v", err)
	}
	vault, err := secrets.NewVault("9f3c1a2b4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	gen := stubGen{}
	a, err := app.New(app.Config{PageSize: 2, InitialGrant: initialGrant}, app.Deps{
		Store:      st,
		Ledger:     ledger.NewMemoryLedger(),
		Selector:   app.NewAuthorSelector(st, gen, 0.5),
		Classifier: app.NewCachedClassifier(gen, nil, 0),
		Books:      gen,
		Locker:     genlock.NewMemoryLocker(),
		Vault:      vault,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: a, TokenVerifier: staticVerifier{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return payload.Code
}

func searchBody() map[string]any {
	return map[string]any{
		"genreSlug":    "mystery",
		"languageCode": "en",
		"modelId":      1,
		"pageNumber":   1,
	}
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, 10)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestSearchAnonymousMissReturns401(t *testing.T) {
	h := newTestServer(t, 10)
	rec := doJSON(t, h, http.MethodPost, "/search", "", searchBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "AUTH_REQUIRED" {
		t.Fatalf("code = %s", code)
	}
}

func decodeSearch(t *testing.T, rec *httptest.ResponseRecorder) searchPayload {
	t.Helper()
	var payload searchPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode search response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

type searchPayload struct {
	SearchID string              `json:"searchId"`
	Cached   bool                `json:"cached"`
	Books    []domain.RankedBook `json:"books"`
}

func TestSearchMissThenAnonymousHit(t *testing.T) {
	h := newTestServer(t, 10)
	rec := doJSON(t, h, http.MethodPost, "/search", "alice", searchBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized search = %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeSearch(t, rec)
	if result.SearchID == "" {
		t.Fatalf("response must carry searchId: %s", rec.Body.String())
	}
	if result.Cached {
		t.Fatalf("fresh page must report cached=false")
	}
	if len(result.Books) != 2 {
		t.Fatalf("expected 2 books, got %d", len(result.Books))
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode raw response: %v", err)
	}
	for _, field := range []string{"fingerprint", "userId"} {
		if _, leaked := raw[field]; leaked {
			t.Fatalf("response must not expose %q: %s", field, rec.Body.String())
		}
	}

	rec = doJSON(t, h, http.MethodPost, "/search", "", searchBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous hit = %d: %s", rec.Code, rec.Body.String())
	}
	hit := decodeSearch(t, rec)
	if !hit.Cached {
		t.Fatalf("repeat page must report cached=true")
	}
	if hit.SearchID != result.SearchID {
		t.Fatalf("anonymous hit returned a different result")
	}
}

func TestSearchInvalidToken(t *testing.T) {
	h := newTestServer(t, 10)
	rec := doJSON(t, h, http.MethodPost, "/search", "bad-token", searchBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "AUTH_INVALID_TOKEN" {
		t.Fatalf("code = %s", code)
	}
}

func TestSearchInsufficientCredits(t *testing.T) {
	h := newTestServer(t, 1) // search cost is 2
	rec := doJSON(t, h, http.MethodPost, "/search", "alice", searchBody())
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if code := errorCode(t, rec); code != "CREDITS_INSUFFICIENT" {
		t.Fatalf("code = %s", code)
	}
}

func TestSearchUnknownModel(t *testing.T) {
	h := newTestServer(t, 10)
	body := searchBody()
	body["modelId"] = 42
	rec := doJSON(t, h, http.MethodPost, "/search", "alice", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "SEARCH_UNKNOWN_MODEL" {
		t.Fatalf("code = %s", code)
	}
}

func TestSearchInvalidBody(t *testing.T) {
	h := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "SEARCH_INVALID_REQUEST" {
		t.Fatalf("code = %s", code)
	}
}

func TestSearchMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, 10)
	rec := doJSON(t, h, http.MethodGet, "/search", "alice", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCreditsEndpoint(t *testing.T) {
	h := newTestServer(t, 25)
	rec := doJSON(t, h, http.MethodGet, "/account/credits", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous credits = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/account/credits", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("credits = %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Balance      int64                      `json:"balance"`
		Transactions []domain.CreditTransaction `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Balance != 25 || len(payload.Transactions) != 1 {
		t.Fatalf("unexpected account payload: %+v", payload)
	}
}

func TestProviderKeyLifecycle(t *testing.T) {
	h := newTestServer(t, 0)

	rec := doJSON(t, h, http.MethodPut, "/account/provider-key", "alice", map[string]string{"apiKey": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty key = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/account/provider-key", "alice", map[string]string{"apiKey": "sk-own-key"})
	if rec.Code != http.StatusOK {
		t.Fatalf("store key = %d: %s", rec.Code, rec.Body.String())
	}

	// With a stored key the zero-balance user can still search.
	rec = doJSON(t, h, http.MethodPost, "/search", "alice", searchBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("key-holder search = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodDelete, "/account/provider-key", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete key = %d", rec.Code)
	}

	body := searchBody()
	body["pageNumber"] = 2
	rec = doJSON(t, h, http.MethodPost, "/search", "alice", body)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("metered search after delete = %d, want 402", rec.Code)
	}
}
