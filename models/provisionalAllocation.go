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

// ProvisionalAllocation is a user-chosen partial carve-out of a backlog
// line, not yet confirmed for shipment. While its status is active
// (Created or Recomposed) it consumes backlog balance and projects
// outflow on its expedition date.
type ProvisionalAllocation struct {
	ID             int              `gorm:"primary_key" json:"id"`
	BacklogLineId  int              `gorm:"index;not null" json:"backlog_line_id"`
	OrderNo        string           `gorm:"size:50;index:idx_prov_order_product,priority:1;not null" json:"order_no"`
	ProductCode    string           `gorm:"size:50;index:idx_prov_order_product,priority:2;not null" json:"product_code"`
	LotId          string           `gorm:"size:36;index;not null" json:"lot_id"`
	OriginalQty    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"original_qty"`
	SelectedQty    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"selected_qty"`
	RemainingQty   decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"remaining_qty"`
	ExpeditionDate time.Time        `gorm:"index;not null" json:"expedition_date"`
	ScheduleDate   *time.Time       `json:"schedule_date"`
	Protocol       string           `gorm:"size:100" json:"protocol"`
	Status         AllocationStatus `gorm:"type:enum('Created','Recomposed','SentToConfirmed');default:'Created';index" json:"status"`
	LineHash       string           `gorm:"size:64" json:"line_hash"`
	CreatedBy      int              `gorm:"not null" json:"created_by"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedBy      int              `json:"updated_by"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProvisionalAllocation struct {
	OrderNo        string          `json:"order_no" binding:"required"`
	ProductCode    string          `json:"product_code" binding:"required"`
	SelectedQty    decimal.Decimal `json:"selected_qty" binding:"required"`
	ExpeditionDate time.Time       `json:"expedition_date" binding:"required"`
	ScheduleDate   *time.Time      `json:"schedule_date"`
	Protocol       string          `json:"protocol"`
	LotId          string          `json:"lot_id"`
}

// CreateProvisionalAllocation carves SelectedQty out of the backlog line.
// The balance validation is a mandatory precondition and runs under the
// same row lock as the insert.
func CreateProvisionalAllocation(ctx context.Context, input *NewProvisionalAllocation) (*ProvisionalAllocation, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.SelectedQty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("selected quantity must be positive")
	}

	lotId := input.LotId
	if lotId == "" {
		lotId = uuid.NewString()
	}

	var allocation ProvisionalAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := GetBacklogLineForUpdate(tx, input.OrderNo, input.ProductCode)
		if err != nil {
			return err
		}

		if err := validateRequestedQty(tx, line, input.SelectedQty); err != nil {
			return err
		}

		allocation = ProvisionalAllocation{
			BacklogLineId:  line.ID,
			OrderNo:        line.OrderNo,
			ProductCode:    line.ProductCode,
			LotId:          lotId,
			OriginalQty:    line.RemainingQty,
			SelectedQty:    input.SelectedQty,
			RemainingQty:   line.RemainingQty.Sub(input.SelectedQty),
			ExpeditionDate: input.ExpeditionDate,
			ScheduleDate:   input.ScheduleDate,
			Protocol:       input.Protocol,
			Status:         AllocationStatusCreated,
			LineHash:       line.LineHash(),
			CreatedBy:      userId,
		}
		return tx.Create(&allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// UpdateProvisionalAllocation edits the quantity and the user-owned
// operational fields. Quantity growth re-validates against the backlog
// balance with this allocation's current share excluded.
func UpdateProvisionalAllocation(ctx context.Context, id int, input *NewProvisionalAllocation) (*ProvisionalAllocation, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.SelectedQty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("selected quantity must be positive")
	}

	var allocation ProvisionalAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockingForUpdate()).First(&allocation, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		if !allocation.Status.Active() {
			return errors.New("allocation is no longer editable")
		}

		line, err := GetBacklogLineForUpdate(tx, allocation.OrderNo, allocation.ProductCode)
		if err != nil {
			return err
		}
		if err := validateAllocationEdit(tx, line, allocation.SelectedQty, input.SelectedQty); err != nil {
			return err
		}

		allocation.SelectedQty = input.SelectedQty
		allocation.ExpeditionDate = input.ExpeditionDate
		allocation.ScheduleDate = input.ScheduleDate
		allocation.Protocol = input.Protocol
		allocation.UpdatedBy = userId
		return tx.Save(&allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

func DeleteProvisionalAllocation(ctx context.Context, id int) (*ProvisionalAllocation, error) {
	db := config.GetDB()

	if _, ok := utils.GetUserIdFromContext(ctx); !ok {
		return nil, errors.New("user id is required")
	}

	var allocation ProvisionalAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockingForUpdate()).First(&allocation, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		// Serialize against a concurrent cascade on the same pair.
		if _, err := GetBacklogLineForUpdate(tx, allocation.OrderNo, allocation.ProductCode); err != nil {
			return err
		}
		return tx.Delete(&allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// PromoteProvisionalAllocation turns a provisional allocation into a
// confirmed one under the same lot id. The confirmed row is created while
// the provisional is still active, then the provisional is marked
// SentToConfirmed; the projection feeders hand the lot's outflow over in
// the same transaction, so the net projected outflow is unchanged.
func PromoteProvisionalAllocation(ctx context.Context, id int) (*ConfirmedAllocation, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	var confirmed ConfirmedAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var allocation ProvisionalAllocation
		if err := tx.Clauses(lockingForUpdate()).First(&allocation, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		if !allocation.Status.Active() {
			return errors.New("allocation has already been promoted")
		}
		line, err := GetBacklogLineForUpdate(tx, allocation.OrderNo, allocation.ProductCode)
		if err != nil {
			return err
		}

		confirmed = ConfirmedAllocation{
			LotId:          allocation.LotId,
			OrderNo:        allocation.OrderNo,
			ProductCode:    allocation.ProductCode,
			Qty:            allocation.SelectedQty,
			Value:          allocation.SelectedQty.Mul(line.UnitPrice),
			ExpeditionDate: allocation.ExpeditionDate,
			OrderStatus:    OrderStatusOpen,
			CreatedBy:      userId,
		}
		if err := tx.Create(&confirmed).Error; err != nil {
			return err
		}

		allocation.Status = AllocationStatusSentToConfirmed
		allocation.UpdatedBy = userId
		return tx.Save(&allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// GetProvisionalAllocations lists the allocations of one backlog line,
// optionally narrowed to a single status.
func GetProvisionalAllocations(ctx context.Context, orderNo string, productCode string, status *AllocationStatus) ([]ProvisionalAllocation, error) {
	db := config.GetDB()

	query := db.WithContext(ctx).
		Where("order_no = ? AND product_code = ?", orderNo, productCode)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var allocations []ProvisionalAllocation
	if err := query.Order("created_at ASC, id ASC").Find(&allocations).Error; err != nil {
		return nil, err
	}
	return allocations, nil
}

func GetProvisionalAllocation(ctx context.Context, id int) (*ProvisionalAllocation, error) {
	db := config.GetDB()

	var allocation ProvisionalAllocation
	if err := db.WithContext(ctx).First(&allocation, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &allocation, nil
}
