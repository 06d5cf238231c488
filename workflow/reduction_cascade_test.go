package workflow

import (
	"testing"

	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/shopspring/decimal"
)

func d(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func tierByAction(t *testing.T, tiers []tierResult, action models.ReconcileAction) tierResult {
	t.Helper()
	for _, tier := range tiers {
		if tier.Action == action {
			return tier
		}
	}
	t.Fatalf("tier %s not found", action)
	return tierResult{}
}

func TestPlanReduction_FreeBalanceThenProvisional(t *testing.T) {
	// Line reduced by 8 with free balance 4 and one provisional of 6.
	tiers := planReduction(d(4),
		[]allocationShare{{ID: 11, Qty: d(6)}},
		nil, nil, d(8))

	if len(tiers) != 4 {
		t.Fatalf("expected 4 tiers; got %d", len(tiers))
	}

	free := tierByAction(t, tiers, models.ReconcileActionReduceFreeBalance)
	if free.Absorbed.Cmp(d(4)) != 0 {
		t.Fatalf("expected free tier to absorb 4; got %s", free.Absorbed.String())
	}

	prov := tierByAction(t, tiers, models.ReconcileActionReduceProvisional)
	if prov.Absorbed.Cmp(d(4)) != 0 {
		t.Fatalf("expected provisional tier to absorb 4; got %s", prov.Absorbed.String())
	}
	if len(prov.Cuts) != 1 || prov.Cuts[0].ID != 11 {
		t.Fatalf("expected one cut on allocation 11; got %+v", prov.Cuts)
	}
	if prov.Cuts[0].NewQty.Cmp(d(2)) != 0 {
		t.Fatalf("expected allocation reduced to 2; got %s", prov.Cuts[0].NewQty.String())
	}
	if prov.Cuts[0].DeleteAfter {
		t.Fatalf("allocation with remaining qty must not be deleted")
	}

	for _, action := range []models.ReconcileAction{
		models.ReconcileActionReduceConfirmedOpen,
		models.ReconcileActionReduceConfirmedQuoted,
	} {
		tier := tierByAction(t, tiers, action)
		if !tier.Absorbed.IsZero() || len(tier.Cuts) != 0 {
			t.Fatalf("expected untouched tier %s; absorbed %s", action, tier.Absorbed.String())
		}
	}
}

func TestPlanReduction_TierOrderIsFixed(t *testing.T) {
	tiers := planReduction(d(1),
		[]allocationShare{{ID: 1, Qty: d(1)}},
		[]allocationShare{{ID: 2, Qty: d(1)}},
		[]allocationShare{{ID: 3, Qty: d(1)}},
		d(10))

	want := []models.ReconcileAction{
		models.ReconcileActionReduceFreeBalance,
		models.ReconcileActionReduceProvisional,
		models.ReconcileActionReduceConfirmedOpen,
		models.ReconcileActionReduceConfirmedQuoted,
	}
	for i, action := range want {
		if tiers[i].Action != action {
			t.Fatalf("tier %d: expected %s; got %s", i, action, tiers[i].Action)
		}
	}
}

func TestPlanReduction_ExhaustsIntoQuotedTier(t *testing.T) {
	tiers := planReduction(d(2),
		[]allocationShare{{ID: 1, Qty: d(3)}},
		[]allocationShare{{ID: 2, Qty: d(4)}},
		[]allocationShare{{ID: 3, Qty: d(5)}},
		d(12))

	free := tierByAction(t, tiers, models.ReconcileActionReduceFreeBalance)
	prov := tierByAction(t, tiers, models.ReconcileActionReduceProvisional)
	open := tierByAction(t, tiers, models.ReconcileActionReduceConfirmedOpen)
	quoted := tierByAction(t, tiers, models.ReconcileActionReduceConfirmedQuoted)

	if free.Absorbed.Cmp(d(2)) != 0 || prov.Absorbed.Cmp(d(3)) != 0 || open.Absorbed.Cmp(d(4)) != 0 {
		t.Fatalf("unexpected tier split: free=%s prov=%s open=%s",
			free.Absorbed.String(), prov.Absorbed.String(), open.Absorbed.String())
	}
	if quoted.Absorbed.Cmp(d(3)) != 0 {
		t.Fatalf("expected quoted tier to absorb the remainder 3; got %s", quoted.Absorbed.String())
	}

	// Fully absorbed tiers empty their allocations.
	if !prov.Cuts[0].DeleteAfter || !open.Cuts[0].DeleteAfter {
		t.Fatalf("fully absorbed allocations must be flagged for deletion")
	}
	if quoted.Cuts[0].DeleteAfter {
		t.Fatalf("partially absorbed quoted allocation must survive")
	}
	if quoted.Cuts[0].NewQty.Cmp(d(2)) != 0 {
		t.Fatalf("expected quoted allocation reduced to 2; got %s", quoted.Cuts[0].NewQty.String())
	}
}

func TestPlanReduction_NewestProvisionalCutFirst(t *testing.T) {
	// Caller passes provisionals newest first; the planner consumes in order.
	tiers := planReduction(decimal.Zero,
		[]allocationShare{{ID: 9, Qty: d(2)}, {ID: 4, Qty: d(5)}},
		nil, nil, d(3))

	prov := tierByAction(t, tiers, models.ReconcileActionReduceProvisional)
	if len(prov.Cuts) != 2 {
		t.Fatalf("expected two cuts; got %d", len(prov.Cuts))
	}
	if prov.Cuts[0].ID != 9 || prov.Cuts[0].Absorb.Cmp(d(2)) != 0 || !prov.Cuts[0].DeleteAfter {
		t.Fatalf("expected newest allocation fully consumed first; got %+v", prov.Cuts[0])
	}
	if prov.Cuts[1].ID != 4 || prov.Cuts[1].Absorb.Cmp(d(1)) != 0 || prov.Cuts[1].NewQty.Cmp(d(4)) != 0 {
		t.Fatalf("expected older allocation trimmed by 1; got %+v", prov.Cuts[1])
	}
}

func TestPlanReduction_ShortfallNeverBlocks(t *testing.T) {
	// More to absorb than exists anywhere: the planner still returns,
	// soaking everything it can.
	tiers := planReduction(d(1),
		[]allocationShare{{ID: 1, Qty: d(1)}},
		nil,
		[]allocationShare{{ID: 2, Qty: d(1)}},
		d(100))

	var total decimal.Decimal
	for _, tier := range tiers {
		total = total.Add(tier.Absorbed)
	}
	if total.Cmp(d(3)) != 0 {
		t.Fatalf("expected total absorbed 3; got %s", total.String())
	}
}

func TestCutTier_SkipsNonPositiveShares(t *testing.T) {
	result, remaining := cutTier(models.ReconcileActionReduceProvisional,
		[]allocationShare{{ID: 1, Qty: decimal.Zero}, {ID: 2, Qty: d(5)}}, d(4))

	if len(result.Cuts) != 1 || result.Cuts[0].ID != 2 {
		t.Fatalf("expected only allocation 2 cut; got %+v", result.Cuts)
	}
	if !remaining.IsZero() {
		t.Fatalf("expected nothing left to absorb; got %s", remaining.String())
	}
}
