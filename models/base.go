package models

import (
	"context"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

func lockingForUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

func zeroQty() decimal.Decimal {
	return decimal.Zero
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
