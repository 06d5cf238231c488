package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReconcileHistory is the audit trail of the backlog quantity-change
// cascade. Every tier gets a row for every run, including tiers that
// absorbed nothing, so an auditor can replay exactly how a delta was
// distributed. Critical rows flag reductions that touched a quoted
// commitment.
type ReconcileHistory struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderNo       string          `gorm:"size:50;index:idx_rh_order_product,priority:1;not null" json:"order_no"`
	ProductCode   string          `gorm:"size:50;index:idx_rh_order_product,priority:2;not null" json:"product_code"`
	Action        ReconcileAction `gorm:"size:30;not null" json:"action"`
	ReferenceId   int             `gorm:"index" json:"reference_id"`
	AbsorbedQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"absorbed_qty"`
	IsCritical    bool            `gorm:"default:false;index" json:"is_critical"`
	Description   string          `gorm:"type:text" json:"description"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func SaveReconcileHistory(tx *gorm.DB, row *ReconcileHistory) error {
	if row.CorrelationId == "" {
		row.CorrelationId = correlationIdFromContextOrNew(tx.Statement.Context)
	}
	return tx.Create(row).Error
}

// GetReconcileHistory returns the audit rows for a pair, newest first.
func GetReconcileHistory(tx *gorm.DB, orderNo string, productCode string, limit int) ([]ReconcileHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ReconcileHistory
	err := tx.Where("order_no = ? AND product_code = ?", orderNo, productCode).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
