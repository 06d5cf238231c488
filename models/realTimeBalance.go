package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RealTimeBalance is the materialized current balance of one product code.
// One row per code, but every code of a unification cluster carries the
// same balance: each movement delta is applied to the whole cluster.
type RealTimeBalance struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ProductCode string          `gorm:"size:50;uniqueIndex;not null" json:"product_code"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func firstOrCreateRealTimeBalance(tx *gorm.DB, productCode string) (*RealTimeBalance, error) {
	balance := RealTimeBalance{
		ProductCode: productCode,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_code = ?", productCode).
		FirstOrCreate(&balance)
	if result.Error != nil {
		return nil, result.Error
	}
	return &balance, nil
}

// UpdateRealTimeBalance applies a signed delta to every code of the
// product's cluster inside the caller's transaction. The add is issued as
// direct SQL, never as read-then-write of the aggregate, so concurrent
// writers on the same product cannot lose updates.
func UpdateRealTimeBalance(tx *gorm.DB, productCode string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	cluster, err := ResolveCodeCluster(tx, productCode)
	if err != nil {
		return err
	}
	for _, code := range cluster {
		balance, err := firstOrCreateRealTimeBalance(tx, code)
		if err != nil {
			return err
		}
		if err := tx.Exec("UPDATE real_time_balances SET balance = balance + ? WHERE id = ?", delta, balance.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetRealTimeBalance returns the current balance for a code. A code with
// no movements yet reads as zero rather than not found.
func GetRealTimeBalance(ctx context.Context, productCode string) (decimal.Decimal, error) {
	db := config.GetDB()

	var balance RealTimeBalance
	err := db.WithContext(ctx).Where("product_code = ?", productCode).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance.Balance, nil
}

// RebuildRealTimeBalance recomputes the cluster's balance from the active
// movement rows. Repair path only: it runs in its own transaction, after
// any writing transaction has committed, never interleaved with one.
func RebuildRealTimeBalance(ctx context.Context, productCode string) error {
	db := config.GetDB()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cluster, err := ResolveCodeCluster(tx, productCode)
		if err != nil {
			return err
		}

		var total decimal.Decimal
		var movements []StockMovement
		if err := tx.Where("is_active = ? AND product_code IN (?)", true, cluster).
			Find(&movements).Error; err != nil {
			return err
		}
		for _, m := range movements {
			total = total.Add(m.SignedQty())
		}

		for _, code := range cluster {
			balance, err := firstOrCreateRealTimeBalance(tx, code)
			if err != nil {
				return err
			}
			if err := tx.Exec("UPDATE real_time_balances SET balance = ? WHERE id = ?", total, balance.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RebuildProductAggregates repairs both materialized aggregates of a
// product after a unification change.
func RebuildProductAggregates(ctx context.Context, productCode string) error {
	if err := RebuildRealTimeBalance(ctx, productCode); err != nil {
		return err
	}
	return RebuildProjectedMovements(ctx, productCode)
}
