package repository

import (
	"context"
	"errors"

	transactiondomain "github.com/smallbiznis/voltara/internal/transaction/domain"
	pkgdb "github.com/smallbiznis/voltara/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() transactiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, snapshot *transactiondomain.Snapshot) (bool, error) {
	if snapshot == nil {
		return false, errors.New("missing_snapshot")
	}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(snapshot)
	if result.Error != nil {
		// Two writers racing on the same external_id can still surface
		// the unique violation as an error instead of a skipped row.
		if pkgdb.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) LatestForAccount(ctx context.Context, db *gorm.DB, accountNumber string) (*transactiondomain.Snapshot, error) {
	var snapshot transactiondomain.Snapshot
	err := db.WithContext(ctx).
		Where("account_number = ?", accountNumber).
		Order("transaction_date DESC, id DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}
