package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The quantity-change hierarchy absorbs an upstream backlog reduction
// across the existing commitments in a fixed priority order:
//
//	1. unallocated free balance on the line
//	2. provisional allocations, most recently created first
//	3. confirmed allocations on Open orders
//	4. confirmed allocations on Quoted orders (always allowed, always
//	   raises a CRITICAL alert - the system never blocks here, or it
//	   would desynchronize from the upstream system of record)
//
// Increases are classified: exactly one active allocation on the pair
// grows by the delta (TOTAL); anything else becomes new free balance.

// allocationShare is the planner's view of one allocation record.
type allocationShare struct {
	ID  int
	Qty decimal.Decimal
}

// reductionCut is one allocation-level absorption decided by the planner.
type reductionCut struct {
	ID          int
	Absorb      decimal.Decimal
	NewQty      decimal.Decimal
	DeleteAfter bool
}

// tierResult is what one tier of the hierarchy absorbed. Zero-amount
// tiers appear too; the audit trail records them as skipped.
type tierResult struct {
	Action   models.ReconcileAction
	Absorbed decimal.Decimal
	Cuts     []reductionCut
}

func cutTier(action models.ReconcileAction, shares []allocationShare, remaining decimal.Decimal) (tierResult, decimal.Decimal) {
	result := tierResult{Action: action, Absorbed: decimal.Zero}
	for _, share := range shares {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		absorb := decimal.Min(share.Qty, remaining)
		if absorb.LessThanOrEqual(decimal.Zero) {
			continue
		}
		newQty := share.Qty.Sub(absorb)
		result.Cuts = append(result.Cuts, reductionCut{
			ID:          share.ID,
			Absorb:      absorb,
			NewQty:      newQty,
			DeleteAfter: newQty.LessThanOrEqual(decimal.Zero),
		})
		result.Absorbed = result.Absorbed.Add(absorb)
		remaining = remaining.Sub(absorb)
	}
	return result, remaining
}

// planReduction distributes a reduction of x across the four tiers.
// provisionals must already be ordered most recently created first.
// The returned tiers always cover all four priorities, in order.
func planReduction(freeBalance decimal.Decimal, provisionals []allocationShare, confirmedOpen []allocationShare, confirmedQuoted []allocationShare, x decimal.Decimal) []tierResult {
	remaining := x

	freeTier := tierResult{Action: models.ReconcileActionReduceFreeBalance, Absorbed: decimal.Zero}
	if remaining.GreaterThan(decimal.Zero) && freeBalance.GreaterThan(decimal.Zero) {
		freeTier.Absorbed = decimal.Min(freeBalance, remaining)
		remaining = remaining.Sub(freeTier.Absorbed)
	}

	provisionalTier, remaining := cutTier(models.ReconcileActionReduceProvisional, provisionals, remaining)
	openTier, remaining := cutTier(models.ReconcileActionReduceConfirmedOpen, confirmedOpen, remaining)
	quotedTier, _ := cutTier(models.ReconcileActionReduceConfirmedQuoted, confirmedQuoted, remaining)

	return []tierResult{freeTier, provisionalTier, openTier, quotedTier}
}

// ApplyBacklogQuantityChange is the reimport entry point for one
// (order, product) pair: it rewrites the line from the upstream payload
// and absorbs the quantity delta across the hierarchy. The whole cascade
// runs under an exclusive cross-process lock plus the line's row lock, so
// a concurrent validate/create on the same pair serializes behind it.
func ApplyBacklogQuantityChange(ctx context.Context, imported *models.BacklogImportLine) error {
	db := config.GetDB()

	release, err := utils.ReconcileLock(ctx, imported.OrderNo, imported.ProductCode, "backlogReimportWorkflow", "ApplyBacklogQuantityChange")
	if err != nil {
		return err
	}
	defer release()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := models.GetBacklogLineForUpdate(tx, imported.OrderNo, imported.ProductCode)
		if err != nil {
			return err
		}

		oldRemaining := line.RemainingQty
		delta := imported.RemainingQty.Sub(oldRemaining)

		// The free balance must be read before the line is rewritten.
		available, err := models.AvailableBalance(tx, line.OrderNo, line.ProductCode)
		if err != nil {
			return err
		}

		line.RemainingQty = imported.RemainingQty
		line.UnitPrice = imported.UnitPrice
		line.CustomerName = imported.CustomerName
		if err := tx.Save(line).Error; err != nil {
			return err
		}

		if err := flagStaleSnapshots(tx, line); err != nil {
			return err
		}

		switch {
		case delta.IsZero():
			return nil
		case delta.IsPositive():
			return applyIncrease(tx, line, delta)
		default:
			reduction := delta.Neg()
			return applyReduction(tx, line, available, reduction)
		}
	})
}

func flagStaleSnapshots(tx *gorm.DB, line *models.BacklogLine) error {
	provisionals, err := models.ActiveProvisionalAllocations(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return err
	}
	currentHash := line.LineHash()
	for _, p := range provisionals {
		if p.LineHash == currentHash {
			continue
		}
		config.GetLogger().WithField("allocation_id", p.ID).
			WithField("order_no", line.OrderNo).
			WithField("product_code", line.ProductCode).
			Warn(utils.ErrStaleSnapshot.Error())
		row := models.ReconcileHistory{
			OrderNo:     line.OrderNo,
			ProductCode: line.ProductCode,
			Action:      models.ReconcileActionStaleSnapshot,
			ReferenceId: p.ID,
			Description: "backlog line content drifted under allocation snapshot",
		}
		if err := models.SaveReconcileHistory(tx, &row); err != nil {
			return err
		}
	}
	return nil
}

func applyIncrease(tx *gorm.DB, line *models.BacklogLine, x decimal.Decimal) error {
	provisionals, err := models.ActiveProvisionalAllocations(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return err
	}
	confirmed, err := models.CommittedConfirmedAllocations(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return err
	}

	total := len(provisionals) + len(confirmed)
	if total == 1 {
		// TOTAL: the single allocation follows the line.
		var refId int
		if len(provisionals) == 1 {
			p := provisionals[0]
			p.SelectedQty = p.SelectedQty.Add(x)
			if err := tx.Save(&p).Error; err != nil {
				return err
			}
			refId = p.ID
		} else {
			c := confirmed[0]
			c.Qty = c.Qty.Add(x)
			if err := tx.Save(&c).Error; err != nil {
				return err
			}
			refId = c.ID
		}
		return models.SaveReconcileHistory(tx, &models.ReconcileHistory{
			OrderNo:     line.OrderNo,
			ProductCode: line.ProductCode,
			Action:      models.ReconcileActionIncreaseTotal,
			ReferenceId: refId,
			AbsorbedQty: x,
			Description: "single allocation grown with backlog increase",
		})
	}

	// PARTIAL or NONE: the increase stays as free balance on the line.
	return models.SaveReconcileHistory(tx, &models.ReconcileHistory{
		OrderNo:     line.OrderNo,
		ProductCode: line.ProductCode,
		Action:      models.ReconcileActionIncreaseFreeBalance,
		AbsorbedQty: x,
		Description: fmt.Sprintf("backlog increase kept as free balance (%d active allocations)", total),
	})
}

func applyReduction(tx *gorm.DB, line *models.BacklogLine, available decimal.Decimal, x decimal.Decimal) error {
	provisionals, err := models.ActiveProvisionalAllocations(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return err
	}
	// Most recently created first.
	sort.Slice(provisionals, func(i, j int) bool {
		return provisionals[i].CreatedAt.After(provisionals[j].CreatedAt)
	})
	confirmed, err := models.CommittedConfirmedAllocations(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return err
	}

	provisionalShares := make([]allocationShare, 0, len(provisionals))
	provisionalById := map[int]models.ProvisionalAllocation{}
	for _, p := range provisionals {
		provisionalShares = append(provisionalShares, allocationShare{ID: p.ID, Qty: p.SelectedQty})
		provisionalById[p.ID] = p
	}

	var openShares, quotedShares []allocationShare
	confirmedById := map[int]models.ConfirmedAllocation{}
	for _, c := range confirmed {
		share := allocationShare{ID: c.ID, Qty: c.Qty}
		if c.OrderStatus == models.OrderStatusQuoted {
			quotedShares = append(quotedShares, share)
		} else {
			openShares = append(openShares, share)
		}
		confirmedById[c.ID] = c
	}

	tiers := planReduction(available, provisionalShares, openShares, quotedShares, x)

	for _, tier := range tiers {
		for _, cut := range tier.Cuts {
			switch tier.Action {
			case models.ReconcileActionReduceProvisional:
				p := provisionalById[cut.ID]
				if cut.DeleteAfter {
					if err := tx.Delete(&p).Error; err != nil {
						return err
					}
				} else {
					p.SelectedQty = cut.NewQty
					if err := tx.Save(&p).Error; err != nil {
						return err
					}
				}
			case models.ReconcileActionReduceConfirmedOpen, models.ReconcileActionReduceConfirmedQuoted:
				c := confirmedById[cut.ID]
				if cut.DeleteAfter {
					if err := tx.Delete(&c).Error; err != nil {
						return err
					}
				} else {
					c.Qty = cut.NewQty
					if err := tx.Save(&c).Error; err != nil {
						return err
					}
				}
			}

			if err := models.SaveReconcileHistory(tx, &models.ReconcileHistory{
				OrderNo:     line.OrderNo,
				ProductCode: line.ProductCode,
				Action:      tier.Action,
				ReferenceId: cut.ID,
				AbsorbedQty: cut.Absorb,
				IsCritical:  tier.Action == models.ReconcileActionReduceConfirmedQuoted,
				Description: "allocation reduced by backlog change",
			}); err != nil {
				return err
			}
		}

		// One row per tier, zero-amount tiers included.
		if err := models.SaveReconcileHistory(tx, &models.ReconcileHistory{
			OrderNo:     line.OrderNo,
			ProductCode: line.ProductCode,
			Action:      tier.Action,
			AbsorbedQty: tier.Absorbed,
			IsCritical:  tier.Action == models.ReconcileActionReduceConfirmedQuoted && tier.Absorbed.GreaterThan(decimal.Zero),
			Description: "tier total for backlog reduction",
		}); err != nil {
			return err
		}

		if tier.Action == models.ReconcileActionReduceConfirmedQuoted && tier.Absorbed.GreaterThan(decimal.Zero) {
			config.LogCriticalAlert(config.GetLogger(), "backlogReimportWorkflow", "applyReduction",
				"quoted commitment reduced by upstream backlog change", map[string]any{
					"order_no":     line.OrderNo,
					"product_code": line.ProductCode,
					"absorbed_qty": tier.Absorbed.String(),
				})
		}
	}

	return nil
}

// ReimportBacklog replaces the backlog wholesale from an upstream
// payload. Changed pairs go through the quantity-change hierarchy, new
// pairs are created, and pairs missing from the payload are driven to
// zero through the same cascade.
func ReimportBacklog(ctx context.Context, lines []models.BacklogImportLine) error {
	db := config.GetDB()
	logger := config.GetLogger()

	seen := map[string]bool{}
	for i := range lines {
		imported := lines[i]
		seen[imported.OrderNo+"|"+imported.ProductCode] = true

		existing, err := models.GetBacklogLine(ctx, imported.OrderNo, imported.ProductCode)
		if err != nil {
			if err != utils.ErrNotFound {
				return err
			}
			line := models.BacklogLine{
				OrderNo:      imported.OrderNo,
				ProductCode:  imported.ProductCode,
				RemainingQty: imported.RemainingQty,
				UnitPrice:    imported.UnitPrice,
				CustomerName: imported.CustomerName,
			}
			if err := db.WithContext(ctx).Create(&line).Error; err != nil {
				return err
			}
			continue
		}

		if existing.RemainingQty.Equal(imported.RemainingQty) &&
			existing.UnitPrice.Equal(imported.UnitPrice) &&
			existing.CustomerName == imported.CustomerName {
			continue
		}
		if err := ApplyBacklogQuantityChange(ctx, &imported); err != nil {
			config.LogError(logger, "backlogReimportWorkflow", "ReimportBacklog",
				"apply quantity change", imported.OrderNo+"/"+imported.ProductCode, err)
			return err
		}
	}

	// Lines absent from the payload are no longer owed upstream.
	var current []models.BacklogLine
	if err := db.WithContext(ctx).Find(&current).Error; err != nil {
		return err
	}
	for i := range current {
		line := current[i]
		if seen[line.OrderNo+"|"+line.ProductCode] {
			continue
		}
		if line.RemainingQty.IsZero() {
			continue
		}
		gone := models.BacklogImportLine{
			OrderNo:      line.OrderNo,
			ProductCode:  line.ProductCode,
			RemainingQty: decimal.Zero,
			UnitPrice:    line.UnitPrice,
			CustomerName: line.CustomerName,
		}
		if err := ApplyBacklogQuantityChange(ctx, &gone); err != nil {
			return err
		}
	}
	return nil
}
