package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ScheduledProduction is the single fact the production-planning feed
// contributes: a quantity scheduled to be produced on a date. Active rows
// project inflow on that date.
type ScheduledProduction struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ProductCode   string          `gorm:"size:50;index;not null" json:"product_code" binding:"required"`
	ScheduledDate time.Time       `gorm:"index;not null" json:"scheduled_date" binding:"required"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	IsActive      bool            `gorm:"default:true;index" json:"is_active"`
	CreatedBy     int             `gorm:"not null" json:"created_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedBy     int             `json:"updated_by"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewScheduledProduction struct {
	ProductCode   string          `json:"product_code" binding:"required"`
	ScheduledDate time.Time       `json:"scheduled_date" binding:"required"`
	Qty           decimal.Decimal `json:"qty" binding:"required"`
}

func CreateScheduledProduction(ctx context.Context, input *NewScheduledProduction) (*ScheduledProduction, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("scheduled quantity must be positive")
	}

	production := ScheduledProduction{
		ProductCode:   input.ProductCode,
		ScheduledDate: input.ScheduledDate,
		Qty:           input.Qty,
		IsActive:      true,
		CreatedBy:     userId,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&production).Error
	})
	if err != nil {
		return nil, err
	}
	return &production, nil
}

func UpdateScheduledProduction(ctx context.Context, id int, input *NewScheduledProduction) (*ScheduledProduction, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("scheduled quantity must be positive")
	}

	var production ScheduledProduction
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&production, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		production.ProductCode = input.ProductCode
		production.ScheduledDate = input.ScheduledDate
		production.Qty = input.Qty
		production.UpdatedBy = userId
		return tx.Save(&production).Error
	})
	if err != nil {
		return nil, err
	}
	return &production, nil
}

func DeleteScheduledProduction(ctx context.Context, id int) (*ScheduledProduction, error) {
	db := config.GetDB()

	if _, ok := utils.GetUserIdFromContext(ctx); !ok {
		return nil, errors.New("user id is required")
	}

	var production ScheduledProduction
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockingForUpdate()).First(&production, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		return tx.Delete(&production).Error
	})
	if err != nil {
		return nil, err
	}
	return &production, nil
}
