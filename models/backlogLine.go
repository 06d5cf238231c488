package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BacklogLine is one order/product quantity still owed to a customer. The
// upstream ERP is the system of record: lines are replaced wholesale on
// each periodic reimport and never edited by users here. Operational
// metadata (expedition/schedule dates, protocol) is user territory and
// survives reimports.
type BacklogLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrderNo        string          `gorm:"size:50;uniqueIndex:idx_backlog_order_product,priority:1;not null" json:"order_no" binding:"required"`
	ProductCode    string          `gorm:"size:50;uniqueIndex:idx_backlog_order_product,priority:2;not null" json:"product_code" binding:"required"`
	RemainingQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"remaining_qty"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	CustomerName   string          `gorm:"size:255" json:"customer_name"`
	ExpeditionDate *time.Time      `json:"expedition_date"`
	ScheduleDate   *time.Time      `json:"schedule_date"`
	Protocol       string          `gorm:"size:100" json:"protocol"`
	LotId          string          `gorm:"size:36;index" json:"lot_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BacklogImportLine is one line of an upstream reimport payload.
type BacklogImportLine struct {
	OrderNo      string          `json:"order_no" binding:"required"`
	ProductCode  string          `json:"product_code" binding:"required"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CustomerName string          `json:"customer_name"`
}

// LineHash fingerprints the upstream-owned content of a line. Provisional
// allocations snapshot it at creation so a later reimport can detect that
// the originating line has drifted.
func (l *BacklogLine) LineHash() string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s",
		l.OrderNo, l.ProductCode, l.RemainingQty.String(), l.UnitPrice.String(), l.CustomerName)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func GetBacklogLine(ctx context.Context, orderNo string, productCode string) (*BacklogLine, error) {
	db := config.GetDB()

	var line BacklogLine
	err := db.WithContext(ctx).
		Where("order_no = ? AND product_code = ?", orderNo, productCode).
		First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &line, nil
}

// GetBacklogLineForUpdate fetches the line under a row lock, for callers
// that mutate it or its allocations.
func GetBacklogLineForUpdate(tx *gorm.DB, orderNo string, productCode string) (*BacklogLine, error) {
	var line BacklogLine
	err := tx.Clauses(lockingForUpdate()).
		Where("order_no = ? AND product_code = ?", orderNo, productCode).
		First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &line, nil
}
