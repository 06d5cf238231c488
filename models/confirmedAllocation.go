package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ConfirmedAllocation is a lot-grouped allocation ready for shipment,
// tied to the fulfillment status of its order. It consumes backlog
// balance while the order is Open or Quoted, and projects outflow on its
// expedition date unless a provisional allocation still exists for the
// same lot (the lot contributes exactly once).
type ConfirmedAllocation struct {
	ID             int             `gorm:"primary_key" json:"id"`
	LotId          string          `gorm:"size:36;index;not null" json:"lot_id"`
	OrderNo        string          `gorm:"size:50;index:idx_conf_order_product,priority:1;not null" json:"order_no"`
	ProductCode    string          `gorm:"size:50;index:idx_conf_order_product,priority:2;not null" json:"product_code"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	Weight         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"weight"`
	Value          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"value"`
	ExpeditionDate time.Time       `gorm:"index;not null" json:"expedition_date"`
	OrderStatus    OrderStatus     `gorm:"type:enum('Open','Quoted','Shipped','Invoiced');default:'Open';index" json:"order_status"`
	CreatedBy      int             `gorm:"not null" json:"created_by"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedBy      int             `json:"updated_by"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewConfirmedAllocation struct {
	OrderNo        string          `json:"order_no" binding:"required"`
	ProductCode    string          `json:"product_code" binding:"required"`
	Qty            decimal.Decimal `json:"qty" binding:"required"`
	Weight         decimal.Decimal `json:"weight"`
	Value          decimal.Decimal `json:"value"`
	ExpeditionDate time.Time       `json:"expedition_date" binding:"required"`
	OrderStatus    string          `json:"order_status" binding:"omitempty,orderstatus"`
	LotId          string          `json:"lot_id"`
}

// CreateConfirmedAllocation creates a confirmed allocation directly,
// without going through a provisional one. The balance validation runs
// under the same row lock as the insert.
func CreateConfirmedAllocation(ctx context.Context, input *NewConfirmedAllocation) (*ConfirmedAllocation, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("quantity must be positive")
	}

	orderStatus := OrderStatusOpen
	if input.OrderStatus != "" {
		var err error
		orderStatus, err = ParseOrderStatus(input.OrderStatus)
		if err != nil {
			return nil, err
		}
	}
	lotId := input.LotId
	if lotId == "" {
		lotId = uuid.NewString()
	}

	var allocation ConfirmedAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := GetBacklogLineForUpdate(tx, input.OrderNo, input.ProductCode)
		if err != nil {
			return err
		}
		if orderStatus.Committed() {
			if err := validateRequestedQty(tx, line, input.Qty); err != nil {
				return err
			}
		}

		allocation = ConfirmedAllocation{
			LotId:          lotId,
			OrderNo:        input.OrderNo,
			ProductCode:    input.ProductCode,
			Qty:            input.Qty,
			Weight:         input.Weight,
			Value:          input.Value,
			ExpeditionDate: input.ExpeditionDate,
			OrderStatus:    orderStatus,
			CreatedBy:      userId,
		}
		return tx.Create(&allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// UpdateConfirmedAllocation edits quantity, expedition date or order
// status. Quantity growth under a committed status re-validates against
// the backlog balance with this allocation's current share excluded.
func UpdateConfirmedAllocation(ctx context.Context, id int, input *NewConfirmedAllocation) (*ConfirmedAllocation, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("quantity must be positive")
	}
	orderStatus, err := ParseOrderStatus(input.OrderStatus)
	if err != nil {
		return nil, err
	}

	var allocation ConfirmedAllocation
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockingForUpdate()).First(&allocation, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}

		line, err := GetBacklogLineForUpdate(tx, allocation.OrderNo, allocation.ProductCode)
		if err != nil {
			return err
		}
		if orderStatus.Committed() {
			oldShare := decimal.Zero
			if allocation.OrderStatus.Committed() {
				oldShare = allocation.Qty
			}
			if err := validateAllocationEdit(tx, line, oldShare, input.Qty); err != nil {
				return err
			}
		}

		allocation.Qty = input.Qty
		allocation.Weight = input.Weight
		allocation.Value = input.Value
		allocation.ExpeditionDate = input.ExpeditionDate
		allocation.OrderStatus = orderStatus
		allocation.UpdatedBy = userId
		return tx.Save(&allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

func GetConfirmedAllocation(ctx context.Context, id int) (*ConfirmedAllocation, error) {
	db := config.GetDB()

	var allocation ConfirmedAllocation
	if err := db.WithContext(ctx).First(&allocation, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &allocation, nil
}
