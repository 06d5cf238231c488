package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockMovement is the append-mostly ledger of physical stock changes:
// the source of truth behind RealTimeBalance.
type StockMovement struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductCode  string          `gorm:"size:50;index;not null" json:"product_code" binding:"required"`
	MovementDate time.Time       `gorm:"index;not null" json:"movement_date" binding:"required"`
	MovementType MovementType    `gorm:"type:enum('Entry','Exit','Adjustment','Production');not null" json:"movement_type" binding:"required"`
	Location     string          `gorm:"size:100" json:"location"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Comment      string          `gorm:"size:255;default:null" json:"comment"`
	IsActive     bool            `gorm:"default:true;index" json:"is_active"`
	CreatedBy    int             `gorm:"not null" json:"created_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedBy    int             `json:"updated_by"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockMovement struct {
	ProductCode  string          `json:"product_code" binding:"required"`
	MovementDate time.Time       `json:"movement_date" binding:"required"`
	MovementType string          `json:"movement_type" binding:"required,movementtype"`
	Location     string          `json:"location"`
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	Comment      string          `json:"comment"`
}

// SignedQty converts the stored quantity to its balance contribution.
// Entry and Production add, Exit subtracts, Adjustment carries its own
// sign. This function is the only place the sign convention lives.
func (m *StockMovement) SignedQty() decimal.Decimal {
	switch m.MovementType {
	case MovementTypeExit:
		return m.Quantity.Neg()
	default:
		return m.Quantity
	}
}

func (m *StockMovement) balanceContribution() decimal.Decimal {
	if !m.IsActive {
		return decimal.Zero
	}
	return m.SignedQty()
}

// AfterCreate propagates the movement's delta to the cluster's real-time
// balance inside the same transaction as the insert.
func (m *StockMovement) AfterCreate(tx *gorm.DB) error {
	if err := UpdateRealTimeBalance(tx, m.ProductCode, m.balanceContribution()); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

// BeforeUpdate reverses the old contribution and applies the new one as a
// single net delta. An update that changes neither quantity, type, active
// flag nor code produces a zero delta and leaves the balance untouched.
func (m *StockMovement) BeforeUpdate(tx *gorm.DB) error {
	var old StockMovement
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", m.ID).First(&old).Error; err != nil {
		tx.Rollback()
		return err
	}

	if old.ProductCode != m.ProductCode {
		// Moving the row between products: each side gets its own delta.
		if err := UpdateRealTimeBalance(tx, old.ProductCode, old.balanceContribution().Neg()); err != nil {
			tx.Rollback()
			return err
		}
		if err := UpdateRealTimeBalance(tx, m.ProductCode, m.balanceContribution()); err != nil {
			tx.Rollback()
			return err
		}
		return nil
	}

	delta := m.balanceContribution().Sub(old.balanceContribution())
	if err := UpdateRealTimeBalance(tx, m.ProductCode, delta); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

// AfterDelete reverses the movement's contribution.
func (m *StockMovement) AfterDelete(tx *gorm.DB) error {
	if err := UpdateRealTimeBalance(tx, m.ProductCode, m.balanceContribution().Neg()); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

func (input NewStockMovement) validate() (MovementType, error) {
	movementType, err := ParseMovementType(input.MovementType)
	if err != nil {
		return "", err
	}
	if movementType != MovementTypeAdjustment && input.Quantity.IsNegative() {
		return "", errors.New("quantity must not be negative for non-adjustment movements")
	}
	return movementType, nil
}

func CreateStockMovement(ctx context.Context, input *NewStockMovement) (*StockMovement, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	movementType, err := input.validate()
	if err != nil {
		return nil, err
	}

	movement := StockMovement{
		ProductCode:  input.ProductCode,
		MovementDate: input.MovementDate,
		MovementType: movementType,
		Location:     input.Location,
		Quantity:     input.Quantity,
		Comment:      input.Comment,
		IsActive:     true,
		CreatedBy:    userId,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&movement).Error
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func UpdateStockMovement(ctx context.Context, id int, input *NewStockMovement) (*StockMovement, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	movementType, err := input.validate()
	if err != nil {
		return nil, err
	}

	var movement StockMovement
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&movement, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}

		movement.ProductCode = input.ProductCode
		movement.MovementDate = input.MovementDate
		movement.MovementType = movementType
		movement.Location = input.Location
		movement.Quantity = input.Quantity
		movement.Comment = input.Comment
		movement.UpdatedBy = userId

		return tx.Save(&movement).Error
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func DeleteStockMovement(ctx context.Context, id int) (*StockMovement, error) {
	db := config.GetDB()

	if _, ok := utils.GetUserIdFromContext(ctx); !ok {
		return nil, errors.New("user id is required")
	}

	var movement StockMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&movement, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		return tx.Delete(&movement).Error
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func GetStockMovement(ctx context.Context, id int) (*StockMovement, error) {
	db := config.GetDB()

	var movement StockMovement
	if err := db.WithContext(ctx).First(&movement, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &movement, nil
}
