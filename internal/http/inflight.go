package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// InFlightTracker counts requests currently being served so that shutdown
// can drain them before closing the store.
type InFlightTracker struct {
	count atomic.Int64
}

func (t *InFlightTracker) Increment() { t.count.Add(1) }

func (t *InFlightTracker) Decrement() { t.count.Add(-1) }

func (t *InFlightTracker) Count() int64 { return t.count.Load() }

// WaitForZero blocks until the count reaches zero or ctx is done, checking
// every checkInterval.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker is fed by MetricsMiddleware.
var globalInFlightTracker = &InFlightTracker{}

func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
// The count at entry is published as the shutdownInFlightRequests gauge.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	observability.ShutdownInFlightRequests.Set(float64(globalInFlightTracker.Count()))
	err := globalInFlightTracker.WaitForZero(ctx, checkInterval)
	observability.ShutdownInFlightRequests.Set(float64(globalInFlightTracker.Count()))
	return err
}
