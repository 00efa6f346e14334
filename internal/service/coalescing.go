package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// inFlightLookup is one miss transaction that several callers may wait on.
type inFlightLookup struct {
	done   chan struct{}
	result models.WeatherRecord
	source string
	err    error
}

// requestCoalescer collapses concurrent misses for the same location into a
// single store transaction, so one caller writes and the rest read its result.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightLookup
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightLookup),
		timeout:  timeout,
	}
}

type lookupFunc func(ctx context.Context) (models.WeatherRecord, string, error)

// GetOrDo runs fn for key unless a run is already in flight, in which case it
// waits for that run. shared is true when the caller did not start the run.
//
// fn runs detached from the starting caller's cancellation, bounded by the
// coalescer timeout, so a departed leader does not fail its waiters. Context
// values (logger, correlation ID) are kept.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn lookupFunc) (rec models.WeatherRecord, source string, shared bool, err error) {
	rc.mu.Lock()
	call, exists := rc.inFlight[key]
	if !exists {
		call = &inFlightLookup{done: make(chan struct{})}
		rc.inFlight[key] = call
		go rc.run(ctx, key, call, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-call.done:
		return call.result, call.source, exists, call.err
	case <-waitCtx.Done():
		return models.WeatherRecord{}, "", exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(ctx context.Context, key string, call *inFlightLookup, fn lookupFunc) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
	defer cancel()

	call.result, call.source, call.err = fn(runCtx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(call.done)
}
