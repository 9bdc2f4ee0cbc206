// Package ledger meters per-user generation credits. The balance is a
// materialized projection: it only ever changes together with an append-only
// transaction row, and always equals the sum of the user's transactions.
// Authorization places a short-lived hold so that two simultaneous searches
// cannot both pass against a balance that covers only one.
package ledger

import (
	"context"
	"time"

	"bookwright/pkg/domain"
)

// holdTTL bounds how long an unsettled hold counts against the balance.
// A crashed pipeline releases its reservation after this long.
const holdTTL = 10 * time.Minute

// Ledger tracks credit balances. Authorize and Settle serialize per user.
type Ledger interface {
	// EnsureAccount creates the user's account with an initial grant when it
	// does not exist yet.
	EnsureAccount(ctx context.Context, userID string, initialGrant int64) error

	// Authorize reserves estimatedCost against the available balance
	// (balance minus active holds). Returns domain.ErrInsufficientCredits
	// when the reservation does not fit, otherwise a hold ID.
	Authorize(ctx context.Context, userID string, estimatedCost int64) (string, error)

	// Settle releases the hold and debits actualCost exactly once for the
	// given description; a repeated settle with the same description is a
	// no-op.
	Settle(ctx context.Context, userID, holdID string, actualCost int64, description string) error

	// Release drops a hold without debiting (failed or unmetered searches).
	Release(ctx context.Context, userID, holdID string) error

	// Grant appends a positive transaction.
	Grant(ctx context.Context, userID string, amount int64, description string) error

	// Account returns the balance projection and recent transactions,
	// newest first.
	Account(ctx context.Context, userID string, txLimit int) (domain.CreditAccount, []domain.CreditTransaction, error)
}
