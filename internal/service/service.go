package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/classifier"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/store"
)

var (
	// ErrUpstreamUnavailable wraps any failure to obtain data from the weather provider,
	// including an unknown location and a malformed payload.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrPersistence wraps failures reading or writing the record store.
	ErrPersistence = errors.New("persistence failure")
	// ErrDuplicateKey means another writer stored the location first. A retry
	// of the lookup is served from the stored record.
	ErrDuplicateKey = store.ErrDuplicateKey
)

const (
	sourceCache     = "cache"
	sourceStore     = "store"
	sourceUpstream  = "upstream"
	// sourceCoalesced marks a caller that waited on another caller's lookup.
	sourceCoalesced = "coalesced"
)

// LookupService answers weather lookups from stored records, fetching and
// storing a record on the first request for a location.
type LookupService struct {
	store           store.Store
	client          client.WeatherClient
	cache           cache.Cache // nil when caching is disabled
	cacheTTL        time.Duration
	now             func() time.Time
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil if disabled
}

// NewLookupService wires the store, provider client and optional record cache.
// cache may be nil. Coalescing is disabled when coalesceTimeout is zero.
func NewLookupService(st store.Store, wc client.WeatherClient, c cache.Cache, cacheTTL time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *LookupService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &LookupService{
		store:           st,
		client:          wc,
		cache:           c,
		cacheTTL:        cacheTTL,
		now:             time.Now,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// Lookup returns the summary for location. The location is used exactly as
// given: "Paris" and "paris" are separate records.
//
// The first lookup of a location fetches from the provider and stores the
// record inside one store transaction; every later lookup is served from the
// cache or the store without contacting the provider.
func (s *LookupService) Lookup(ctx context.Context, location string) (models.WeatherSummary, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)

	if rec, ok := s.cacheGet(ctx, location); ok {
		observability.RecordLookup(location, sourceCache)
		logger.Debug("lookup served",
			zap.String("location", location),
			zap.String("source", sourceCache),
			zap.Duration("duration", time.Since(start)),
		)
		return rec.Summary(), nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(location)
	defer s.stampedeTracker.Resolve(location)
	if concurrentMisses > 1 {
		locLabel := observability.MetricLocationLabel(location)
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrentMisses))
	}

	var (
		rec    models.WeatherRecord
		source string
		err    error
	)
	if s.coalescer != nil {
		waitStart := time.Now()
		var shared bool
		rec, source, shared, err = s.coalescer.GetOrDo(ctx, location, func(ctx context.Context) (models.WeatherRecord, string, error) {
			return s.findOrCreate(ctx, location)
		})
		if shared && err == nil {
			source = sourceCoalesced
		}
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(observability.MetricLocationLabel(location)).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
		}
	} else {
		rec, source, err = s.findOrCreate(ctx, location)
	}
	if err != nil {
		logger.Warn("lookup failed", zap.String("location", location), zap.Error(err))
		return models.WeatherSummary{}, err
	}

	// only the caller that ran a coalesced lookup writes the cache
	if source != sourceCoalesced {
		s.cacheSet(ctx, location, rec)
	}
	observability.RecordLookup(location, source)
	logger.Debug("lookup served",
		zap.String("location", location),
		zap.String("source", source),
		zap.Duration("duration", time.Since(start)),
	)
	return rec.Summary(), nil
}

// findOrCreate reads the record for location and, when absent, fetches it from
// the provider and inserts it, all in one transaction. An insert that loses a
// race fails with ErrDuplicateKey; the stored record is never overwritten.
// When the store restarts the transaction after a conflict, the restart reuses
// the first provider response instead of fetching again.
func (s *LookupService) findOrCreate(ctx context.Context, location string) (models.WeatherRecord, string, error) {
	var rec models.WeatherRecord
	var source string
	var fetched *models.UpstreamWeather

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, ok, err := tx.FindByLocation(ctx, location)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if ok {
			rec, source = found, sourceStore
			return nil
		}

		if fetched == nil {
			upstream, err := s.client.Fetch(ctx, location)
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %w", ErrUpstreamUnavailable, location, err)
			}
			fetched = &upstream
		}
		upstream := *fetched

		created := models.WeatherRecord{
			Location:        location,
			UpdatedAtMillis: s.now().UnixMilli(),
			Precipitation:   classifier.Classify(upstream.ConditionCode),
			WindSpeed:       upstream.WindSpeed,
			CloudCoverage:   upstream.CloudCoverage,
			Sunrise:         upstream.Sunrise,
			Sunset:          upstream.Sunset,
		}
		if err := tx.Insert(ctx, created); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		rec, source = created, sourceUpstream
		return nil
	})
	if err != nil {
		return models.WeatherRecord{}, "", classifyTxError(err)
	}
	return rec, source, nil
}

// classifyTxError maps failures raised by the store itself (begin, commit)
// onto ErrPersistence. Errors already in the taxonomy pass through.
func classifyTxError(err error) error {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrDuplicateKey):
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

func (s *LookupService) cacheGet(ctx context.Context, location string) (models.WeatherRecord, bool) {
	if s.cache == nil {
		return models.WeatherRecord{}, false
	}
	getStart := time.Now()
	rec, ok, err := s.cache.Get(ctx, location)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		observability.LoggerFromContext(ctx).Warn("cache get failed", zap.String("location", location), zap.Error(err))
		return models.WeatherRecord{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	if ok {
		observability.CacheHitsTotal.WithLabelValues("record").Inc()
	}
	return rec, ok
}

func (s *LookupService) cacheSet(ctx context.Context, location string, rec models.WeatherRecord) {
	if s.cache == nil {
		return
	}
	setStart := time.Now()
	if err := s.cache.Set(ctx, location, rec, s.cacheTTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		observability.LoggerFromContext(ctx).Warn("cache set failed", zap.String("location", location), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "no servers") {
		return "connection"
	}
	if strings.Contains(errStr, "decode") {
		return "decode"
	}
	return "unknown"
}
