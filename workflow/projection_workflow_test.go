package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/shopspring/decimal"
)

func day(start time.Time, offset int) time.Time {
	return start.AddDate(0, 0, offset)
}

func TestBuildProjection_NoMovements(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	days := buildProjection(decimal.NewFromInt(100), nil, start, DefaultHorizonDays)

	if len(days) != DefaultHorizonDays+1 {
		t.Fatalf("expected %d buckets; got %d", DefaultHorizonDays+1, len(days))
	}
	for _, d := range days {
		if d.ClosingQty.Cmp(decimal.NewFromInt(100)) != 0 {
			t.Fatalf("day %d: expected closing=100; got %s", d.Day, d.ClosingQty.String())
		}
	}

	if got := minBalance7d(days); got.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Fatalf("expected minBalance7d=100; got %s", got.String())
	}
	status, _, rupture := classifyBalance(days)
	if status != models.BalanceStatusOK {
		t.Fatalf("expected status OK; got %s", status)
	}
	if rupture != nil {
		t.Fatalf("expected no rupture day; got %d", *rupture)
	}
}

func TestBuildProjection_OutflowCausesRupture(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, 2), OutflowQty: decimal.NewFromInt(150), InflowQty: decimal.Zero},
	}
	days := buildProjection(decimal.NewFromInt(100), rows, start, DefaultHorizonDays)

	if days[2].ClosingQty.Cmp(decimal.NewFromInt(-50)) != 0 {
		t.Fatalf("expected closing[2]=-50; got %s", days[2].ClosingQty.String())
	}
	rupture, ok := ruptureDay(days)
	if !ok || rupture != 2 {
		t.Fatalf("expected rupture on day 2; got %d (ok=%v)", rupture, ok)
	}
}

func TestBuildProjection_ChainsClosingToNextOpening(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, 1), OutflowQty: decimal.NewFromInt(30), InflowQty: decimal.Zero},
		{ProductCode: "P1", MovementDate: day(start, 3), OutflowQty: decimal.Zero, InflowQty: decimal.NewFromInt(20)},
	}
	days := buildProjection(decimal.NewFromInt(50), rows, start, 5)

	for i := 1; i < len(days); i++ {
		if days[i].OpeningQty.Cmp(days[i-1].ClosingQty) != 0 {
			t.Fatalf("day %d: opening %s != previous closing %s",
				i, days[i].OpeningQty.String(), days[i-1].ClosingQty.String())
		}
	}
	if days[5].ClosingQty.Cmp(decimal.NewFromInt(40)) != 0 {
		t.Fatalf("expected final closing=40; got %s", days[5].ClosingQty.String())
	}
}

func TestBuildProjection_PastRowsClampToDayZero(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, -4), OutflowQty: decimal.NewFromInt(10), InflowQty: decimal.Zero},
	}
	days := buildProjection(decimal.NewFromInt(25), rows, start, 3)

	if days[0].OutflowQty.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Fatalf("expected past outflow in day 0; got %s", days[0].OutflowQty.String())
	}
	if days[0].ClosingQty.Cmp(decimal.NewFromInt(15)) != 0 {
		t.Fatalf("expected closing[0]=15; got %s", days[0].ClosingQty.String())
	}
}

func TestAvailabilityDay_ExcludesSameDayInflow(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, 2), InflowQty: decimal.NewFromInt(100), OutflowQty: decimal.Zero},
	}
	days := buildProjection(decimal.NewFromInt(10), rows, start, 5)

	// Needed 50: the inflow lands on day 2 but only counts from day 3.
	got, ok := availabilityDay(days, decimal.NewFromInt(50))
	if !ok || got != 3 {
		t.Fatalf("expected availability on day 3; got %d (ok=%v)", got, ok)
	}

	// Already on hand: day 0.
	got, ok = availabilityDay(days, decimal.NewFromInt(10))
	if !ok || got != 0 {
		t.Fatalf("expected availability on day 0; got %d (ok=%v)", got, ok)
	}

	// Never enough inside the horizon.
	if _, ok := availabilityDay(days, decimal.NewFromInt(500)); ok {
		t.Fatalf("expected no availability for 500")
	}
}

func TestClassifyBalance_AttentionVsCritical(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Dips below zero on day 1 but an inflow on day 3 recovers it.
	recovering := buildProjection(decimal.NewFromInt(5), []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, 1), OutflowQty: decimal.NewFromInt(10), InflowQty: decimal.Zero},
		{ProductCode: "P1", MovementDate: day(start, 3), InflowQty: decimal.NewFromInt(50), OutflowQty: decimal.Zero},
	}, start, DefaultHorizonDays)
	status, _, _ := classifyBalance(recovering)
	if status != models.BalanceStatusAttention {
		t.Fatalf("expected Attention; got %s", status)
	}

	// Dips below zero and never comes back.
	sunk := buildProjection(decimal.NewFromInt(5), []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, 1), OutflowQty: decimal.NewFromInt(10), InflowQty: decimal.Zero},
	}, start, DefaultHorizonDays)
	status, min7, rupture := classifyBalance(sunk)
	if status != models.BalanceStatusCritical {
		t.Fatalf("expected Critical; got %s", status)
	}
	if min7.Cmp(decimal.NewFromInt(-5)) != 0 {
		t.Fatalf("expected min7=-5; got %s", min7.String())
	}
	if rupture == nil || *rupture != 1 {
		t.Fatalf("expected rupture day 1; got %v", rupture)
	}

	// Recovery inside the horizon but past the seven-day window still
	// counts as Critical. The positive day-0 balance is not a recovery.
	lateRecovery := buildProjection(decimal.NewFromInt(5), []models.ProjectedMovement{
		{ProductCode: "P1", MovementDate: day(start, 1), OutflowQty: decimal.NewFromInt(10), InflowQty: decimal.Zero},
		{ProductCode: "P1", MovementDate: day(start, 9), InflowQty: decimal.NewFromInt(50), OutflowQty: decimal.Zero},
	}, start, DefaultHorizonDays)
	status, _, _ = classifyBalance(lateRecovery)
	if status != models.BalanceStatusCritical {
		t.Fatalf("expected Critical for late recovery; got %s", status)
	}
}
