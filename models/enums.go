package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// MovementType classifies stock movements. Entry and Production add to the
// balance, Exit subtracts, Adjustment carries its own sign on the quantity.
type MovementType string

const (
	MovementTypeEntry      MovementType = "Entry"
	MovementTypeExit       MovementType = "Exit"
	MovementTypeAdjustment MovementType = "Adjustment"
	MovementTypeProduction MovementType = "Production"
)

func (t MovementType) Value() (driver.Value, error) {
	return string(t), nil
}

func (t *MovementType) Scan(value interface{}) error {
	s, err := scanEnumString(value)
	if err != nil {
		return err
	}
	*t = MovementType(s)
	return nil
}

// ParseMovementType is the single case-insensitive ingestion point for
// movement types. Inside the system the canonical casing above is the only
// one that exists.
func ParseMovementType(s string) (MovementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry":
		return MovementTypeEntry, nil
	case "exit":
		return MovementTypeExit, nil
	case "adjustment":
		return MovementTypeAdjustment, nil
	case "production":
		return MovementTypeProduction, nil
	}
	return "", fmt.Errorf("invalid movement type %q", s)
}

// AllocationStatus is the lifecycle status of a provisional allocation.
type AllocationStatus string

const (
	AllocationStatusCreated         AllocationStatus = "Created"
	AllocationStatusRecomposed      AllocationStatus = "Recomposed"
	AllocationStatusSentToConfirmed AllocationStatus = "SentToConfirmed"
)

func (t AllocationStatus) Value() (driver.Value, error) {
	return string(t), nil
}

func (t *AllocationStatus) Scan(value interface{}) error {
	s, err := scanEnumString(value)
	if err != nil {
		return err
	}
	*t = AllocationStatus(s)
	return nil
}

// Active reports whether the allocation still counts against the backlog
// line and contributes outflow to the projected ledger.
func (t AllocationStatus) Active() bool {
	return t == AllocationStatusCreated || t == AllocationStatusRecomposed
}

func ParseAllocationStatus(s string) (AllocationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return AllocationStatusCreated, nil
	case "recomposed":
		return AllocationStatusRecomposed, nil
	case "senttoconfirmed", "sent_to_confirmed":
		return AllocationStatusSentToConfirmed, nil
	}
	return "", fmt.Errorf("invalid allocation status %q", s)
}

// OrderStatus is the fulfillment status of the order a confirmed
// allocation belongs to.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "Open"
	OrderStatusQuoted   OrderStatus = "Quoted"
	OrderStatusShipped  OrderStatus = "Shipped"
	OrderStatusInvoiced OrderStatus = "Invoiced"
)

func (t OrderStatus) Value() (driver.Value, error) {
	return string(t), nil
}

func (t *OrderStatus) Scan(value interface{}) error {
	s, err := scanEnumString(value)
	if err != nil {
		return err
	}
	*t = OrderStatus(s)
	return nil
}

// Committed reports whether allocations under this order status still
// consume backlog balance and projected outflow.
func (t OrderStatus) Committed() bool {
	return t == OrderStatusOpen || t == OrderStatusQuoted
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return OrderStatusOpen, nil
	case "quoted":
		return OrderStatusQuoted, nil
	case "shipped":
		return OrderStatusShipped, nil
	case "invoiced":
		return OrderStatusInvoiced, nil
	}
	return "", fmt.Errorf("invalid order status %q", s)
}

// BalanceStatus is the projection engine's traffic light for a product.
type BalanceStatus string

const (
	BalanceStatusOK        BalanceStatus = "OK"
	BalanceStatusAttention BalanceStatus = "Attention"
	BalanceStatusCritical  BalanceStatus = "Critical"
)

// ReconcileAction identifies what a reconcile history row records.
type ReconcileAction string

const (
	ReconcileActionReduceFreeBalance     ReconcileAction = "ReduceFreeBalance"
	ReconcileActionReduceProvisional     ReconcileAction = "ReduceProvisional"
	ReconcileActionReduceConfirmedOpen   ReconcileAction = "ReduceConfirmedOpen"
	ReconcileActionReduceConfirmedQuoted ReconcileAction = "ReduceConfirmedQuoted"
	ReconcileActionIncreaseTotal         ReconcileAction = "IncreaseTotal"
	ReconcileActionIncreaseFreeBalance   ReconcileAction = "IncreaseFreeBalance"
	ReconcileActionStaleSnapshot         ReconcileAction = "StaleSnapshot"
)

func (t ReconcileAction) Value() (driver.Value, error) {
	return string(t), nil
}

func (t *ReconcileAction) Scan(value interface{}) error {
	s, err := scanEnumString(value)
	if err != nil {
		return err
	}
	*t = ReconcileAction(s)
	return nil
}

func scanEnumString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", errors.New("enum value must be a string")
}
