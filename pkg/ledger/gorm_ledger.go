package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bookwright/pkg/domain"
)

type CreditAccountModel struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type CreditTransactionModel struct {
	ID          string    `gorm:"primaryKey"`
	UserID      string    `gorm:"index;not null"`
	Amount      int64     `gorm:"not null"`
	Type        string    `gorm:"not null"`
	Description string    `gorm:"index;not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

type CreditHoldModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"index;not null"`
	Amount    int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// GormLedger implements Ledger on the shared Postgres handle. Per-user
// serialization comes from SELECT ... FOR UPDATE on the account row.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger migrates ledger tables and returns the ledger.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if db == nil {
		return nil, errors.New("ledger requires a database handle")
	}
	if err := db.AutoMigrate(&CreditAccountModel{}, &CreditTransactionModel{}, &CreditHoldModel{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &GormLedger{db: db}, nil
}

// EnsureAccount creates the account plus its initial grant transaction.
func (l *GormLedger) EnsureAccount(ctx context.Context, userID string, initialGrant int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := CreditAccountModel{
			UserID:    userID,
			Balance:   initialGrant,
			UpdatedAt: time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&account)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || initialGrant == 0 {
			return nil
		}
		return tx.Create(&CreditTransactionModel{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      initialGrant,
			Type:        domain.TxGrant,
			Description: "initial grant",
			CreatedAt:   time.Now().UTC(),
		}).Error
	})
}

// Authorize reserves estimatedCost against the available balance.
func (l *GormLedger) Authorize(ctx context.Context, userID string, estimatedCost int64) (string, error) {
	holdID := uuid.NewString()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}
		var held int64
		if err := tx.Model(&CreditHoldModel{}).
			Where("user_id = ? AND expires_at > ?", userID, time.Now().UTC()).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&held).Error; err != nil {
			return err
		}
		if account.Balance-held < estimatedCost {
			return domain.ErrInsufficientCredits
		}
		now := time.Now().UTC()
		return tx.Create(&CreditHoldModel{
			ID:        holdID,
			UserID:    userID,
			Amount:    estimatedCost,
			CreatedAt: now,
			ExpiresAt: now.Add(holdTTL),
		}).Error
	})
	if err != nil {
		return "", err
	}
	return holdID, nil
}

// Settle drops the hold and debits actualCost once per description.
func (l *GormLedger) Settle(ctx context.Context, userID, holdID string, actualCost int64, description string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}
		if holdID != "" {
			if err := tx.Delete(&CreditHoldModel{}, "id = ?", holdID).Error; err != nil {
				return err
			}
		}
		var dup int64
		if err := tx.Model(&CreditTransactionModel{}).
			Where("user_id = ? AND type = ? AND description = ?", userID, domain.TxDebit, description).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			// Already settled; a retry must not debit twice.
			return nil
		}
		if err := tx.Create(&CreditTransactionModel{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      -actualCost,
			Type:        domain.TxDebit,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&CreditAccountModel{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    account.Balance - actualCost,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// Release drops a hold without debiting.
func (l *GormLedger) Release(ctx context.Context, userID, holdID string) error {
	if holdID == "" {
		return nil
	}
	return l.db.WithContext(ctx).
		Delete(&CreditHoldModel{}, "id = ? AND user_id = ?", holdID, userID).Error
}

// Grant appends a positive transaction and bumps the balance.
func (l *GormLedger) Grant(ctx context.Context, userID string, amount int64, description string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}
		if err := tx.Create(&CreditTransactionModel{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      amount,
			Type:        domain.TxGrant,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&CreditAccountModel{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    account.Balance + amount,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// Account returns the balance projection and recent transactions.
func (l *GormLedger) Account(ctx context.Context, userID string, txLimit int) (domain.CreditAccount, []domain.CreditTransaction, error) {
	var account CreditAccountModel
	if err := l.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CreditAccount{UserID: userID}, nil, nil
		}
		return domain.CreditAccount{}, nil, err
	}
	if txLimit <= 0 {
		txLimit = 20
	}
	var models []CreditTransactionModel
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(txLimit).
		Find(&models).Error; err != nil {
		return domain.CreditAccount{}, nil, err
	}
	transactions := make([]domain.CreditTransaction, 0, len(models))
	for _, m := range models {
		transactions = append(transactions, domain.CreditTransaction{
			ID:          m.ID,
			UserID:      m.UserID,
			Amount:      m.Amount,
			Type:        m.Type,
			Description: m.Description,
			CreatedAt:   m.CreatedAt,
		})
	}
	return domain.CreditAccount{
		UserID:    account.UserID,
		Balance:   account.Balance,
		UpdatedAt: account.UpdatedAt,
	}, transactions, nil
}

func lockAccount(tx *gorm.DB, userID string) (CreditAccountModel, error) {
	var account CreditAccountModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return account, fmt.Errorf("%w: no credit account", domain.ErrInsufficientCredits)
	}
	return account, err
}
