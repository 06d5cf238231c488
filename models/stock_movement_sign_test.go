package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSignedQty(t *testing.T) {
	cases := []struct {
		movementType MovementType
		qty          string
		want         string
	}{
		{MovementTypeEntry, "10", "10"},
		{MovementTypeProduction, "7.5", "7.5"},
		{MovementTypeExit, "10", "-10"},
		{MovementTypeAdjustment, "-3.25", "-3.25"},
		{MovementTypeAdjustment, "3.25", "3.25"},
	}
	for _, c := range cases {
		m := StockMovement{MovementType: c.movementType, Quantity: decimal.RequireFromString(c.qty)}
		want := decimal.RequireFromString(c.want)
		if got := m.SignedQty(); got.Cmp(want) != 0 {
			t.Fatalf("%s %s: expected %s; got %s", c.movementType, c.qty, c.want, got.String())
		}
	}
}

func TestBalanceContribution_InactiveIsZero(t *testing.T) {
	m := StockMovement{MovementType: MovementTypeEntry, Quantity: decimal.NewFromInt(10), IsActive: false}
	if got := m.balanceContribution(); !got.IsZero() {
		t.Fatalf("inactive movement must contribute zero; got %s", got.String())
	}
	m.IsActive = true
	if got := m.balanceContribution(); got.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Fatalf("active movement must contribute its signed qty; got %s", got.String())
	}
}

func TestNewStockMovementValidate(t *testing.T) {
	_, err := NewStockMovement{MovementType: "exit", Quantity: decimal.NewFromInt(5)}.validate()
	if err != nil {
		t.Fatalf("case-insensitive type must parse: %v", err)
	}

	_, err = NewStockMovement{MovementType: "Entry", Quantity: decimal.NewFromInt(-5)}.validate()
	if err == nil {
		t.Fatalf("negative qty must be rejected for non-adjustment movements")
	}

	movementType, err := NewStockMovement{MovementType: "Adjustment", Quantity: decimal.NewFromInt(-5)}.validate()
	if err != nil {
		t.Fatalf("signed adjustment must pass: %v", err)
	}
	if movementType != MovementTypeAdjustment {
		t.Fatalf("expected Adjustment; got %s", movementType)
	}

	if _, err := (NewStockMovement{MovementType: "Teleport", Quantity: decimal.NewFromInt(1)}).validate(); err == nil {
		t.Fatalf("unknown movement type must be rejected")
	}
}

func TestParseAllocationStatus(t *testing.T) {
	status, err := ParseAllocationStatus("recomposed")
	if err != nil {
		t.Fatalf("case-insensitive status must parse: %v", err)
	}
	if status != AllocationStatusRecomposed {
		t.Fatalf("expected Recomposed; got %s", status)
	}
	if !status.Active() {
		t.Fatalf("Recomposed must count as active")
	}

	if _, err := ParseAllocationStatus("Archived"); err == nil {
		t.Fatalf("unknown allocation status must be rejected")
	}
}

func TestBacklogLineHash(t *testing.T) {
	line := BacklogLine{
		OrderNo:      "SO-1",
		ProductCode:  "P1",
		RemainingQty: decimal.NewFromInt(10),
		UnitPrice:    decimal.RequireFromString("2.5"),
		CustomerName: "ACME",
	}
	base := line.LineHash()
	if base == "" {
		t.Fatalf("hash must not be empty")
	}

	same := line
	if same.LineHash() != base {
		t.Fatalf("identical content must hash identically")
	}

	changed := line
	changed.RemainingQty = decimal.NewFromInt(9)
	if changed.LineHash() == base {
		t.Fatalf("changed remaining qty must change the hash")
	}

	// Operational metadata is user territory and must not affect the hash.
	dated := line
	now := dated.CreatedAt
	dated.ExpeditionDate = &now
	dated.Protocol = "PR-99"
	if dated.LineHash() != base {
		t.Fatalf("operational metadata must not affect the hash")
	}
}
