package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/shopspring/decimal"
)

// DefaultHorizonDays is the projection window used when the caller does
// not ask for a specific one.
const DefaultHorizonDays = 29

// ProjectionDay is one bucket of the day-by-day balance projection.
type ProjectionDay struct {
	Day        int             `json:"day"`
	Date       time.Time       `json:"date"`
	OpeningQty decimal.Decimal `json:"opening_qty"`
	InflowQty  decimal.Decimal `json:"inflow_qty"`
	OutflowQty decimal.Decimal `json:"outflow_qty"`
	ClosingQty decimal.Decimal `json:"closing_qty"`
}

// RuptureStatus summarizes a product's projected health for callers that
// only want the traffic light.
type RuptureStatus struct {
	ProductCode  string               `json:"product_code"`
	Status       models.BalanceStatus `json:"status"`
	MinBalance7d decimal.Decimal      `json:"min_balance_7d"`
	RuptureDay   *int                 `json:"rupture_day,omitempty"`
}

// buildProjection folds the projected rows into day buckets:
// closing[d] = opening[d] - outflow[d] + inflow[d], opening[d+1] = closing[d],
// day 0 opening the live balance. Movements already dated before start
// land in the day-0 bucket so nothing known is silently dropped.
func buildProjection(opening decimal.Decimal, rows []models.ProjectedMovement, start time.Time, horizonDays int) []ProjectionDay {
	if horizonDays < 0 {
		horizonDays = 0
	}

	inflows := make([]decimal.Decimal, horizonDays+1)
	outflows := make([]decimal.Decimal, horizonDays+1)
	for i := range inflows {
		inflows[i] = decimal.Zero
		outflows[i] = decimal.Zero
	}
	for _, row := range rows {
		day := int(row.MovementDate.Sub(start).Hours() / 24)
		if day < 0 {
			day = 0
		}
		if day > horizonDays {
			continue
		}
		inflows[day] = inflows[day].Add(row.InflowQty)
		outflows[day] = outflows[day].Add(row.OutflowQty)
	}

	days := make([]ProjectionDay, 0, horizonDays+1)
	running := opening
	for d := 0; d <= horizonDays; d++ {
		closing := running.Sub(outflows[d]).Add(inflows[d])
		days = append(days, ProjectionDay{
			Day:        d,
			Date:       start.AddDate(0, 0, d),
			OpeningQty: running,
			InflowQty:  inflows[d],
			OutflowQty: outflows[d],
			ClosingQty: closing,
		})
		running = closing
	}
	return days
}

// ProjectBalance computes the projection for a product from its live
// balance and its projected movement rows.
func ProjectBalance(ctx context.Context, productCode string, horizonDays int) ([]ProjectionDay, error) {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}

	opening, err := models.GetRealTimeBalance(ctx, productCode)
	if err != nil {
		return nil, err
	}

	start, err := utils.ConvertToDate(time.Now(), "")
	if err != nil {
		return nil, err
	}
	end := start.AddDate(0, 0, horizonDays)

	// Past-dated rows that were never consumed still count; fetch from the
	// epoch, buildProjection clamps them into day 0.
	rows, err := models.GetProjectedMovements(ctx, productCode, time.Time{}, end)
	if err != nil {
		return nil, err
	}

	return buildProjection(opening, rows, start, horizonDays), nil
}

// ruptureDay returns the first day index whose closing balance is zero or
// below.
func ruptureDay(days []ProjectionDay) (int, bool) {
	for _, d := range days {
		if d.ClosingQty.LessThanOrEqual(decimal.Zero) {
			return d.Day, true
		}
	}
	return 0, false
}

// minBalance7d is the lowest closing balance over days 0..7.
func minBalance7d(days []ProjectionDay) decimal.Decimal {
	min := decimal.Zero
	for i, d := range days {
		if i > 7 {
			break
		}
		if i == 0 || d.ClosingQty.LessThan(min) {
			min = d.ClosingQty
		}
	}
	return min
}

// availabilityDay returns the first day on which neededQty could be
// promised from the balance already on hand that day, deliberately
// excluding that day's inflow.
func availabilityDay(days []ProjectionDay, neededQty decimal.Decimal) (int, bool) {
	for _, d := range days {
		if d.OpeningQty.Sub(d.OutflowQty).GreaterThanOrEqual(neededQty) {
			return d.Day, true
		}
	}
	return 0, false
}

// RuptureDay exposes the rupture metric for one product.
func RuptureDay(ctx context.Context, productCode string) (*int, error) {
	days, err := ProjectBalance(ctx, productCode, DefaultHorizonDays)
	if err != nil {
		return nil, err
	}
	if day, ok := ruptureDay(days); ok {
		return &day, nil
	}
	return nil, nil
}

// AvailabilityDate returns the first date on which neededQty can be
// promised, or nil when the horizon never covers it.
func AvailabilityDate(ctx context.Context, productCode string, neededQty decimal.Decimal) (*time.Time, error) {
	days, err := ProjectBalance(ctx, productCode, DefaultHorizonDays)
	if err != nil {
		return nil, err
	}
	if day, ok := availabilityDay(days, neededQty); ok {
		date := days[day].Date
		return &date, nil
	}
	return nil, nil
}

// recoveryDay returns the first day at or after fromDay whose closing
// balance is positive again. Days before the dip do not count as
// recovery.
func recoveryDay(days []ProjectionDay, fromDay int) (int, bool) {
	for _, d := range days {
		if d.Day < fromDay {
			continue
		}
		if d.ClosingQty.GreaterThan(decimal.Zero) {
			return d.Day, true
		}
	}
	return 0, false
}

// classifyBalance derives the traffic light from a projection. OK while
// the next seven days stay positive; otherwise Attention when the balance
// recovers within seven days, Critical when it does not.
func classifyBalance(days []ProjectionDay) (models.BalanceStatus, decimal.Decimal, *int) {
	min7 := minBalance7d(days)
	var rupture *int
	if day, ok := ruptureDay(days); ok {
		rupture = &day
	}
	if min7.GreaterThan(decimal.Zero) {
		return models.BalanceStatusOK, min7, rupture
	}

	if rupture != nil {
		if day, ok := recoveryDay(days, *rupture); ok && day <= 7 {
			return models.BalanceStatusAttention, min7, rupture
		}
		return models.BalanceStatusCritical, min7, rupture
	}
	return models.BalanceStatusAttention, min7, rupture
}

// GetRuptureStatus computes the product's traffic light.
func GetRuptureStatus(ctx context.Context, productCode string) (*RuptureStatus, error) {
	days, err := ProjectBalance(ctx, productCode, DefaultHorizonDays)
	if err != nil {
		return nil, err
	}
	status, min7, rupture := classifyBalance(days)
	return &RuptureStatus{
		ProductCode:  productCode,
		Status:       status,
		MinBalance7d: min7,
		RuptureDay:   rupture,
	}, nil
}
