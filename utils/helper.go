package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/shopspring/decimal"
)

// ConvertToDate truncates t to a calendar date in the given timezone.
// Projected movement rows and projection buckets are keyed by this date.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t, err
	}
	localTime := t.In(location)

	dateOnly := time.Date(localTime.Year(), localTime.Month(), localTime.Day(), 0, 0, 0, 0, location)
	return dateOnly, nil
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

// ReconcileLock obtains a cross-process lock on an (order, product) pair.
// The backlog quantity-change cascade holds it for the duration of its run
// to serialize against a concurrent validate/create on the same pair.
// The caller must invoke the returned release func.
func ReconcileLock(ctx context.Context, orderNo string, productCode string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when the Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", orderNo, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("reconcileLock:%s:%s", orderNo, productCode)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain reconcile lock", lockKey, err)
		return nil, errors.New("could not obtain reconcile lock for order/product")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining reconcile lock", lockKey, err)
		return nil, err
	}
	release := func() {
		_ = lock.Release(ctx)
	}
	return release, nil
}
