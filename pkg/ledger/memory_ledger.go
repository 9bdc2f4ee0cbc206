package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookwright/pkg/domain"
)

// MemoryLedger implements Ledger in-process with the same hold and
// exactly-once-settle semantics as GormLedger. Used by tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      map[string][]domain.CreditTransaction
	holds    map[string]CreditHoldModel
}

// NewMemoryLedger initializes an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		txs:      make(map[string][]domain.CreditTransaction),
		holds:    make(map[string]CreditHoldModel),
	}
}

// EnsureAccount creates the account with an initial grant when absent.
func (l *MemoryLedger) EnsureAccount(_ context.Context, userID string, initialGrant int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[userID]; ok {
		return nil
	}
	l.balances[userID] = initialGrant
	if initialGrant != 0 {
		l.appendTx(userID, initialGrant, domain.TxGrant, "initial grant")
	}
	return nil
}

// Authorize reserves estimatedCost against balance minus active holds.
func (l *MemoryLedger) Authorize(_ context.Context, userID string, estimatedCost int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return "", fmt.Errorf("%w: no credit account", domain.ErrInsufficientCredits)
	}
	var held int64
	now := time.Now().UTC()
	for _, hold := range l.holds {
		if hold.UserID == userID && hold.ExpiresAt.After(now) {
			held += hold.Amount
		}
	}
	if balance-held < estimatedCost {
		return "", domain.ErrInsufficientCredits
	}
	id := uuid.NewString()
	l.holds[id] = CreditHoldModel{
		ID:        id,
		UserID:    userID,
		Amount:    estimatedCost,
		CreatedAt: now,
		ExpiresAt: now.Add(holdTTL),
	}
	return id, nil
}

// Settle releases the hold and debits once per description.
func (l *MemoryLedger) Settle(_ context.Context, userID, holdID string, actualCost int64, description string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, holdID)
	for _, tx := range l.txs[userID] {
		if tx.Type == domain.TxDebit && tx.Description == description {
			return nil
		}
	}
	l.balances[userID] -= actualCost
	l.appendTx(userID, -actualCost, domain.TxDebit, description)
	return nil
}

// Release drops a hold.
func (l *MemoryLedger) Release(_ context.Context, _, holdID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, holdID)
	return nil
}

// Grant appends a positive transaction.
func (l *MemoryLedger) Grant(_ context.Context, userID string, amount int64, description string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	l.appendTx(userID, amount, domain.TxGrant, description)
	return nil
}

// Account returns the balance and transactions, newest first.
func (l *MemoryLedger) Account(_ context.Context, userID string, txLimit int) (domain.CreditAccount, []domain.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return domain.CreditAccount{UserID: userID}, nil, nil
	}
	if txLimit <= 0 {
		txLimit = 20
	}
	history := l.txs[userID]
	out := make([]domain.CreditTransaction, 0, txLimit)
	for i := len(history) - 1; i >= 0 && len(out) < txLimit; i-- {
		out = append(out, history[i])
	}
	return domain.CreditAccount{UserID: userID, Balance: balance, UpdatedAt: time.Now().UTC()}, out, nil
}

func (l *MemoryLedger) appendTx(userID string, amount int64, txType, description string) {
	l.txs[userID] = append(l.txs[userID], domain.CreditTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}
