package workflow

import (
	"context"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GetAvailableBalance returns what is still free to allocate on an
// (order, product) pair: the line's remaining quantity minus committed
// confirmed allocations minus active provisional ones.
func GetAvailableBalance(ctx context.Context, orderNo string, productCode string) (decimal.Decimal, error) {
	db := config.GetDB()

	var available decimal.Decimal
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		available, err = models.AvailableBalance(tx, orderNo, productCode)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return available, nil
}

// ValidateRequestedQty checks the balance precondition without writing
// anything. The same check runs again, under row locks, inside every
// allocation create/edit; this entry point lets callers fail fast.
func ValidateRequestedQty(ctx context.Context, orderNo string, productCode string, requestedQty decimal.Decimal) error {
	db := config.GetDB()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return models.ValidateRequestedQty(tx, orderNo, productCode, requestedQty)
	})
}
