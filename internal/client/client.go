package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

type WeatherClient interface {
	Fetch(ctx context.Context, location string) (models.UpstreamWeather, error)
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

var payloadValidator = validator.New()

type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// NewOpenWeatherClient returns a client that makes a single attempt per Fetch.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, 1, 100*time.Millisecond, 2*time.Second)
}

func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// CircuitBreakerConfig configures the optional breaker around provider calls.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Timeout          time.Duration // open duration before a half-open probe
	OnStateChange    func(from, to string)
}

// EnableCircuitBreaker wraps every attempt in a gobreaker circuit breaker.
// Only provider-side failures (network, timeout, 5xx, 429) count toward tripping.
func (c *OpenWeatherClient) EnableCircuitBreaker(cfg CircuitBreakerConfig) {
	threshold := uint32(5)
	if cfg.FailureThreshold > 0 {
		threshold = uint32(cfg.FailureThreshold)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather_api",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	})
}

// openWeatherResponse lists only the fields the service stores. Pointers let
// the validator tell a missing field from a zero value.
type openWeatherResponse struct {
	Weather []struct {
		ID *int `json:"id" validate:"required"`
	} `json:"weather" validate:"required,min=1,dive"`
	Wind *struct {
		Speed *float64 `json:"speed" validate:"required"`
	} `json:"wind" validate:"required"`
	Clouds *struct {
		All *int `json:"all" validate:"required"`
	} `json:"clouds" validate:"required"`
	Sys *struct {
		Sunrise *int64 `json:"sunrise" validate:"required"`
		Sunset  *int64 `json:"sunset" validate:"required"`
	} `json:"sys" validate:"required"`
}

func (c *OpenWeatherClient) Fetch(ctx context.Context, location string) (models.UpstreamWeather, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.UpstreamWeather{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.attempt(ctx, location)
		if err == nil {
			return result, nil
		}

		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		lastErr = err
		if !c.isRetryable(err) {
			return models.UpstreamWeather{}, err
		}
	}

	if c.retryAttempts == 1 {
		return models.UpstreamWeather{}, lastErr
	}
	return models.UpstreamWeather{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// attempt runs one call, through the circuit breaker when enabled.
func (c *OpenWeatherClient) attempt(ctx context.Context, location string) (models.UpstreamWeather, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, location)
	}

	var result models.UpstreamWeather
	var callErr error
	_, cbErr := c.breaker.Execute(func() (interface{}, error) {
		result, callErr = c.callAPI(ctx, location)
		if callErr != nil && c.isRetryable(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
		return models.UpstreamWeather{}, fmt.Errorf("%w: circuit breaker open", ErrUpstreamFailure)
	}
	return result, callErr
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, location string) (models.UpstreamWeather, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, location)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.UpstreamWeather{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.UpstreamWeather{}, fmt.Errorf("%w: request timeout: %w", ErrUpstreamFailure, err)
		}
		return models.UpstreamWeather{}, fmt.Errorf("%w: http request failed: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return models.UpstreamWeather{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.UpstreamWeather{}, fmt.Errorf("%w: read response body: %w", ErrUpstreamFailure, err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.UpstreamWeather{}, fmt.Errorf("%w: parse response: %w", ErrMalformedResponse, err)
	}
	if err := payloadValidator.Struct(apiResp); err != nil {
		return models.UpstreamWeather{}, fmt.Errorf("%w: missing field: %w", ErrMalformedResponse, err)
	}

	return mapResponse(apiResp), nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, location string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("q", location)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP 429", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func mapResponse(apiResp openWeatherResponse) models.UpstreamWeather {
	return models.UpstreamWeather{
		ConditionCode: *apiResp.Weather[0].ID,
		WindSpeed:     *apiResp.Wind.Speed,
		CloudCoverage: *apiResp.Clouds.All,
		Sunrise:       *apiResp.Sys.Sunrise,
		Sunset:        *apiResp.Sys.Sunset,
	}
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues one request for a known city and reports
// ErrInvalidAPIKey when the provider rejects the key. It bypasses retry and
// the circuit breaker.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, "London")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %s", strings.TrimSpace(resp.Status))
	}

	return nil
}
