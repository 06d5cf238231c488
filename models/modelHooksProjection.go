package models

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The projected movement ledger has a closed set of three feeders, wired
// here as GORM hooks. Each feeder reverses its old contribution and
// applies the new one inside the writing transaction, through direct DML
// only (ApplyProjectedDelta); no object-graph reads-modify-writes happen
// from inside a hook.
//
// A lot id contributes outflow exactly once: from its provisional
// allocation while one is active, from its confirmed allocation
// otherwise. Every transition between the two is handled where it
// happens, so promoting a lot never double counts its outflow.

func otherActiveProvisionalExists(tx *gorm.DB, lotId string, excludeId int) (bool, error) {
	var count int64
	err := tx.Model(&ProvisionalAllocation{}).
		Where("lot_id = ? AND id <> ? AND status IN (?)", lotId, excludeId,
			[]AllocationStatus{AllocationStatusCreated, AllocationStatusRecomposed}).
		Count(&count).Error
	return count > 0, err
}

func committedConfirmedForLot(tx *gorm.DB, lotId string) (*ConfirmedAllocation, error) {
	var confirmed ConfirmedAllocation
	err := tx.Where("lot_id = ? AND order_status IN (?)", lotId,
		[]OrderStatus{OrderStatusOpen, OrderStatusQuoted}).
		First(&confirmed).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &confirmed, nil
}

func (a *ProvisionalAllocation) projectsOutflow() bool {
	return a.Status.Active()
}

func (a *ProvisionalAllocation) AfterCreate(tx *gorm.DB) error {
	if !a.projectsOutflow() {
		return nil
	}
	if err := ApplyProjectedDelta(tx, a.ProductCode, a.ExpeditionDate, zeroQty(), a.SelectedQty); err != nil {
		tx.Rollback()
		return err
	}
	// The lot's confirmed allocation, if any, stops contributing the moment
	// a provisional exists for the lot.
	siblingExists, err := otherActiveProvisionalExists(tx, a.LotId, a.ID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !siblingExists {
		confirmed, err := committedConfirmedForLot(tx, a.LotId)
		if err != nil {
			tx.Rollback()
			return err
		}
		if confirmed != nil {
			if err := ApplyProjectedDelta(tx, confirmed.ProductCode, confirmed.ExpeditionDate, zeroQty(), confirmed.Qty.Neg()); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return nil
}

func (a *ProvisionalAllocation) BeforeUpdate(tx *gorm.DB) error {
	var old ProvisionalAllocation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", a.ID).First(&old).Error; err != nil {
		tx.Rollback()
		return err
	}

	if old.projectsOutflow() {
		if err := ApplyProjectedDelta(tx, old.ProductCode, old.ExpeditionDate, zeroQty(), old.SelectedQty.Neg()); err != nil {
			tx.Rollback()
			return err
		}
	}
	if a.projectsOutflow() {
		if err := ApplyProjectedDelta(tx, a.ProductCode, a.ExpeditionDate, zeroQty(), a.SelectedQty); err != nil {
			tx.Rollback()
			return err
		}
	}

	// Hand the lot's outflow over to (or take it back from) the confirmed
	// allocation when the provisional side goes inactive or active again.
	if old.projectsOutflow() != a.projectsOutflow() {
		siblingExists, err := otherActiveProvisionalExists(tx, a.LotId, a.ID)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !siblingExists {
			confirmed, err := committedConfirmedForLot(tx, a.LotId)
			if err != nil {
				tx.Rollback()
				return err
			}
			if confirmed != nil {
				delta := confirmed.Qty
				if a.projectsOutflow() {
					delta = delta.Neg()
				}
				if err := ApplyProjectedDelta(tx, confirmed.ProductCode, confirmed.ExpeditionDate, zeroQty(), delta); err != nil {
					tx.Rollback()
					return err
				}
			}
		}
	}
	return nil
}

func (a *ProvisionalAllocation) AfterDelete(tx *gorm.DB) error {
	if !a.projectsOutflow() {
		return nil
	}
	if err := ApplyProjectedDelta(tx, a.ProductCode, a.ExpeditionDate, zeroQty(), a.SelectedQty.Neg()); err != nil {
		tx.Rollback()
		return err
	}
	siblingExists, err := otherActiveProvisionalExists(tx, a.LotId, a.ID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !siblingExists {
		confirmed, err := committedConfirmedForLot(tx, a.LotId)
		if err != nil {
			tx.Rollback()
			return err
		}
		if confirmed != nil {
			if err := ApplyProjectedDelta(tx, confirmed.ProductCode, confirmed.ExpeditionDate, zeroQty(), confirmed.Qty); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return nil
}

func confirmedProjectsOutflow(tx *gorm.DB, a *ConfirmedAllocation) (bool, error) {
	if !a.OrderStatus.Committed() {
		return false, nil
	}
	provisionalExists, err := otherActiveProvisionalExists(tx, a.LotId, 0)
	if err != nil {
		return false, err
	}
	return !provisionalExists, nil
}

func (a *ConfirmedAllocation) AfterCreate(tx *gorm.DB) error {
	contributes, err := confirmedProjectsOutflow(tx, a)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !contributes {
		return nil
	}
	if err := ApplyProjectedDelta(tx, a.ProductCode, a.ExpeditionDate, zeroQty(), a.Qty); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

func (a *ConfirmedAllocation) BeforeUpdate(tx *gorm.DB) error {
	var old ConfirmedAllocation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", a.ID).First(&old).Error; err != nil {
		tx.Rollback()
		return err
	}

	oldContributes, err := confirmedProjectsOutflow(tx, &old)
	if err != nil {
		tx.Rollback()
		return err
	}
	newContributes, err := confirmedProjectsOutflow(tx, a)
	if err != nil {
		tx.Rollback()
		return err
	}

	if oldContributes {
		if err := ApplyProjectedDelta(tx, old.ProductCode, old.ExpeditionDate, zeroQty(), old.Qty.Neg()); err != nil {
			tx.Rollback()
			return err
		}
	}
	if newContributes {
		if err := ApplyProjectedDelta(tx, a.ProductCode, a.ExpeditionDate, zeroQty(), a.Qty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return nil
}

func (a *ConfirmedAllocation) AfterDelete(tx *gorm.DB) error {
	contributes, err := confirmedProjectsOutflow(tx, a)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !contributes {
		return nil
	}
	if err := ApplyProjectedDelta(tx, a.ProductCode, a.ExpeditionDate, zeroQty(), a.Qty.Neg()); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

func (p *ScheduledProduction) projectsInflow() bool {
	return p.IsActive
}

func (p *ScheduledProduction) AfterCreate(tx *gorm.DB) error {
	if !p.projectsInflow() {
		return nil
	}
	if err := ApplyProjectedDelta(tx, p.ProductCode, p.ScheduledDate, p.Qty, zeroQty()); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

func (p *ScheduledProduction) BeforeUpdate(tx *gorm.DB) error {
	var old ScheduledProduction
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", p.ID).First(&old).Error; err != nil {
		tx.Rollback()
		return err
	}
	if old.projectsInflow() {
		if err := ApplyProjectedDelta(tx, old.ProductCode, old.ScheduledDate, old.Qty.Neg(), zeroQty()); err != nil {
			tx.Rollback()
			return err
		}
	}
	if p.projectsInflow() {
		if err := ApplyProjectedDelta(tx, p.ProductCode, p.ScheduledDate, p.Qty, zeroQty()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return nil
}

func (p *ScheduledProduction) AfterDelete(tx *gorm.DB) error {
	if !p.projectsInflow() {
		return nil
	}
	if err := ApplyProjectedDelta(tx, p.ProductCode, p.ScheduledDate, p.Qty.Neg(), zeroQty()); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}
