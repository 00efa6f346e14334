package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Looker is implemented by the service layer. Used by Warmer to avoid a
// circular dependency on the service package.
type Looker interface {
	Lookup(ctx context.Context, location string) (models.WeatherSummary, error)
}

// Warmer looks up a list of locations so that their records exist in the
// store and the cache before traffic arrives.
type Warmer struct {
	looker Looker
	logger *zap.Logger
}

func NewWarmer(looker Looker, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{looker: looker, logger: logger}
}

// Warm looks up each location concurrently. A location that already has a
// record costs no upstream call. Failures are aggregated into one error.
func (w *Warmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.WarmingTotal.Inc()
	w.logger.Info("warming records", zap.Int("locations", len(locations)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(locations))
	for _, loc := range locations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.looker.Lookup(ctx, loc); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.WarmingDurationSeconds.Observe(duration)
	w.logger.Info("warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.WarmingErrorsTotal.Inc()
		return fmt.Errorf("warming: %w", errors.Join(errs...))
	}
	return nil
}
