package sql

import (
	"artgen/internal/entity"
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCreditBalance loads the balance row for a user.
// Returns gorm.ErrRecordNotFound when the user has never been provisioned.
func (r *GormRepository) GetCreditBalance(ctx context.Context, userID uint) (*entity.DbCreditBalance, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return nil, fmt.Errorf("invalid user id")
	}

	var balance entity.DbCreditBalance
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

// EnsureCreditBalance lazily provisions a balance row with the default grant.
// Concurrent callers are safe: the insert ignores duplicate keys and the row
// is re-read afterwards.
func (r *GormRepository) EnsureCreditBalance(ctx context.Context, userID uint, defaultGrant int) (*entity.DbCreditBalance, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return nil, fmt.Errorf("invalid user id")
	}
	if defaultGrant < 0 {
		defaultGrant = 0
	}

	balance, err := r.GetCreditBalance(ctx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := entity.DbCreditBalance{UserID: userID, Credits: defaultGrant}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, fmt.Errorf("provision credit balance: %w", err)
	}

	return r.GetCreditBalance(ctx, userID)
}

// DebitCredits performs a single atomic conditional decrement. The WHERE
// clause carries the sufficiency check so two concurrent debits can never
// drive the balance negative; losing the race returns ErrInsufficientCredits.
func (r *GormRepository) DebitCredits(ctx context.Context, userID uint, amount int) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}
	if amount <= 0 {
		return fmt.Errorf("invalid debit amount: %d", amount)
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbCreditBalance{}).
		Where("user_id = ? AND credits >= ?", userID, amount).
		UpdateColumn("credits", gorm.Expr("credits - ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return entity.ErrInsufficientCredits
	}
	return nil
}

// CreditCredits increments the balance (refund path).
func (r *GormRepository) CreditCredits(ctx context.Context, userID uint, amount int) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}
	if amount <= 0 {
		return fmt.Errorf("invalid credit amount: %d", amount)
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbCreditBalance{}).
		Where("user_id = ?", userID).
		UpdateColumn("credits", gorm.Expr("credits + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
