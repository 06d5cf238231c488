package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProjectedMovement accumulates known future inflow and outflow per
// (product code, date). Rows exist only while they carry a non-zero
// total; a row whose totals both reach zero or below is pruned.
//
// Exactly three feeders contribute deltas, each with its own contract
// (see modelHooksProjection.go): active provisional allocations (outflow
// at expedition date), confirmed allocations without a provisional
// sibling on the same lot (outflow at expedition date), and scheduled
// production (inflow at scheduled date).
type ProjectedMovement struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductCode  string          `gorm:"size:50;uniqueIndex:idx_projected_code_date,priority:1;not null" json:"product_code"`
	MovementDate time.Time       `gorm:"uniqueIndex:idx_projected_code_date,priority:2;not null" json:"movement_date"`
	InflowQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"inflow_qty"`
	OutflowQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outflow_qty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ApplyProjectedDelta atomically adds the deltas to the (code, date) row of
// every code in the cluster, creating rows on first non-zero contribution
// and pruning rows whose totals both fall to zero or below. Runs inside
// the caller's transaction as direct DML only.
func ApplyProjectedDelta(tx *gorm.DB, productCode string, date time.Time, inflowDelta decimal.Decimal, outflowDelta decimal.Decimal) error {
	if inflowDelta.IsZero() && outflowDelta.IsZero() {
		return nil
	}

	dateOnly, err := utils.ConvertToDate(date, "")
	if err != nil {
		return err
	}

	cluster, err := ResolveCodeCluster(tx, productCode)
	if err != nil {
		return err
	}

	for _, code := range cluster {
		if err := tx.Exec(`
			INSERT INTO projected_movements (product_code, movement_date, inflow_qty, outflow_qty, created_at, updated_at)
			VALUES (?, ?, ?, ?, NOW(), NOW())
			ON DUPLICATE KEY UPDATE
			  inflow_qty = inflow_qty + VALUES(inflow_qty),
			  outflow_qty = outflow_qty + VALUES(outflow_qty),
			  updated_at = NOW()
		`, code, dateOnly, inflowDelta, outflowDelta).Error; err != nil {
			return err
		}

		if err := tx.Exec(`
			DELETE FROM projected_movements
			WHERE product_code = ? AND movement_date = ? AND inflow_qty <= 0 AND outflow_qty <= 0
		`, code, dateOnly).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetProjectedMovements returns the rows for one code within a date range,
// ordered by date, for the projection engine.
func GetProjectedMovements(ctx context.Context, productCode string, from time.Time, to time.Time) ([]ProjectedMovement, error) {
	db := config.GetDB()

	var rows []ProjectedMovement
	if err := db.WithContext(ctx).
		Where("product_code = ? AND movement_date >= ? AND movement_date <= ?", productCode, from, to).
		Order("movement_date ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RebuildProjectedMovements recomputes the cluster's projected rows from
// the three feeder tables. Repair path only; runs in its own transaction
// after any writing transaction has committed.
func RebuildProjectedMovements(ctx context.Context, productCode string) error {
	db := config.GetDB()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cluster, err := ResolveCodeCluster(tx, productCode)
		if err != nil {
			return err
		}

		if err := tx.Where("product_code IN (?)", cluster).
			Delete(&ProjectedMovement{}).Error; err != nil {
			return err
		}

		type bucket struct {
			inflow  decimal.Decimal
			outflow decimal.Decimal
		}
		totals := map[time.Time]bucket{}

		var provisionals []ProvisionalAllocation
		if err := tx.Where("product_code IN (?) AND status IN (?)", cluster,
			[]AllocationStatus{AllocationStatusCreated, AllocationStatusRecomposed}).
			Find(&provisionals).Error; err != nil {
			return err
		}
		lotsWithProvisional := map[string]bool{}
		for _, p := range provisionals {
			date, err := utils.ConvertToDate(p.ExpeditionDate, "")
			if err != nil {
				return err
			}
			b := totals[date]
			b.outflow = b.outflow.Add(p.SelectedQty)
			totals[date] = b
			lotsWithProvisional[p.LotId] = true
		}

		var confirmed []ConfirmedAllocation
		if err := tx.Where("product_code IN (?) AND order_status IN (?)", cluster,
			[]OrderStatus{OrderStatusOpen, OrderStatusQuoted}).
			Find(&confirmed).Error; err != nil {
			return err
		}
		for _, c := range confirmed {
			// A lot contributes once: the provisional side wins while it exists.
			if lotsWithProvisional[c.LotId] {
				continue
			}
			date, err := utils.ConvertToDate(c.ExpeditionDate, "")
			if err != nil {
				return err
			}
			b := totals[date]
			b.outflow = b.outflow.Add(c.Qty)
			totals[date] = b
		}

		var productions []ScheduledProduction
		if err := tx.Where("product_code IN (?) AND is_active = ?", cluster, true).
			Find(&productions).Error; err != nil {
			return err
		}
		for _, p := range productions {
			date, err := utils.ConvertToDate(p.ScheduledDate, "")
			if err != nil {
				return err
			}
			b := totals[date]
			b.inflow = b.inflow.Add(p.Qty)
			totals[date] = b
		}

		for date, b := range totals {
			if b.inflow.LessThanOrEqual(decimal.Zero) && b.outflow.LessThanOrEqual(decimal.Zero) {
				continue
			}
			for _, code := range cluster {
				row := ProjectedMovement{
					ProductCode:  code,
					MovementDate: date,
					InflowQty:    b.inflow,
					OutflowQty:   b.outflow,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
