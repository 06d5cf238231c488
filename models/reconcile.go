package models

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The backlog invariant: for every (order, product), committed confirmed
// quantity plus active provisional quantity never exceeds the line's
// remaining quantity. Every allocation create/edit passes through
// validateRequestedQty / validateAllocationEdit under the line's row lock
// before writing.

func sumActiveProvisionalQty(tx *gorm.DB, orderNo string, productCode string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&ProvisionalAllocation{}).
		Select("COALESCE(SUM(selected_qty), 0)").
		Where("order_no = ? AND product_code = ? AND status IN (?)", orderNo, productCode,
			[]AllocationStatus{AllocationStatusCreated, AllocationStatusRecomposed}).
		Scan(&total).Error
	return total, err
}

func sumCommittedConfirmedQty(tx *gorm.DB, orderNo string, productCode string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&ConfirmedAllocation{}).
		Select("COALESCE(SUM(qty), 0)").
		Where("order_no = ? AND product_code = ? AND order_status IN (?)", orderNo, productCode,
			[]OrderStatus{OrderStatusOpen, OrderStatusQuoted}).
		Scan(&total).Error
	return total, err
}

// ActiveProvisionalAllocations lists the provisionals still holding a
// share of the line, oldest first.
func ActiveProvisionalAllocations(tx *gorm.DB, orderNo string, productCode string) ([]ProvisionalAllocation, error) {
	var allocations []ProvisionalAllocation
	err := tx.Where("order_no = ? AND product_code = ? AND status IN (?)", orderNo, productCode,
		[]AllocationStatus{AllocationStatusCreated, AllocationStatusRecomposed}).
		Order("created_at ASC, id ASC").
		Find(&allocations).Error
	return allocations, err
}

// CommittedConfirmedAllocations lists the confirmed allocations whose
// order status still counts against the line.
func CommittedConfirmedAllocations(tx *gorm.DB, orderNo string, productCode string) ([]ConfirmedAllocation, error) {
	var allocations []ConfirmedAllocation
	err := tx.Where("order_no = ? AND product_code = ? AND order_status IN (?)", orderNo, productCode,
		[]OrderStatus{OrderStatusOpen, OrderStatusQuoted}).
		Order("created_at ASC, id ASC").
		Find(&allocations).Error
	return allocations, err
}

// availableBalanceForLine computes what is still free to allocate on a
// line already fetched (and usually locked) by the caller.
func availableBalanceForLine(tx *gorm.DB, line *BacklogLine) (decimal.Decimal, error) {
	confirmedQty, err := sumCommittedConfirmedQty(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return decimal.Zero, err
	}
	provisionalQty, err := sumActiveProvisionalQty(tx, line.OrderNo, line.ProductCode)
	if err != nil {
		return decimal.Zero, err
	}
	return line.RemainingQty.Sub(confirmedQty).Sub(provisionalQty), nil
}

// AvailableBalance is the read entry point for collaborators: it fetches
// the line (without a lock) and computes the free balance.
func AvailableBalance(tx *gorm.DB, orderNo string, productCode string) (decimal.Decimal, error) {
	var line BacklogLine
	err := tx.Where("order_no = ? AND product_code = ?", orderNo, productCode).First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, utils.ErrNotFound
		}
		return decimal.Zero, err
	}
	return availableBalanceForLine(tx, &line)
}

// ValidateRequestedQty checks the precondition for an (order, product)
// pair, taking the line's row lock so the answer cannot race a concurrent
// cascade on the same pair.
func ValidateRequestedQty(tx *gorm.DB, orderNo string, productCode string, requestedQty decimal.Decimal) error {
	line, err := GetBacklogLineForUpdate(tx, orderNo, productCode)
	if err != nil {
		return err
	}
	return validateRequestedQty(tx, line, requestedQty)
}

// validateRequestedQty is the mandatory precondition before creating an
// allocation. Never optional.
func validateRequestedQty(tx *gorm.DB, line *BacklogLine, requestedQty decimal.Decimal) error {
	available, err := availableBalanceForLine(tx, line)
	if err != nil {
		return err
	}
	if requestedQty.GreaterThan(available) {
		return fmt.Errorf("requested %s, available %s on %s/%s: %w",
			requestedQty, available, line.OrderNo, line.ProductCode, utils.ErrInsufficientBalance)
	}
	return nil
}

// validateAllocationEdit checks an edit by excluding the allocation's own
// current committed share from the available balance.
func validateAllocationEdit(tx *gorm.DB, line *BacklogLine, currentQty decimal.Decimal, requestedQty decimal.Decimal) error {
	available, err := availableBalanceForLine(tx, line)
	if err != nil {
		return err
	}
	available = available.Add(currentQty)
	if requestedQty.GreaterThan(available) {
		return fmt.Errorf("requested %s, available %s on %s/%s: %w",
			requestedQty, available, line.OrderNo, line.ProductCode, utils.ErrInsufficientBalance)
	}
	return nil
}
