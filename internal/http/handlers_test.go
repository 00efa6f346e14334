package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/store"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

func TestMain(m *testing.M) {
	lifecycle.Set(lifecycle.Serving)
	os.Exit(m.Run())
}

// mockLookup returns summary/err and records the location it was asked for.
type mockLookup struct {
	summary models.WeatherSummary
	err     error
	block   bool // if set, Lookup waits for ctx.Done()
	calls   atomic.Int32
	last    atomic.Value
}

func (m *mockLookup) Lookup(ctx context.Context, location string) (models.WeatherSummary, error) {
	m.calls.Add(1)
	m.last.Store(location)
	if m.block {
		<-ctx.Done()
		return models.WeatherSummary{}, fmt.Errorf("%w: %w", service.ErrUpstreamUnavailable, ctx.Err())
	}
	return m.summary, m.err
}

var parisSummary = models.WeatherSummary{
	Precipitation: "rain",
	Wind:          4.6,
	NumClouds:     75,
	LightData:     models.LightData{Sunrise: 1699944000, Sunset: 1699978800},
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/weather/{location}", h.GetWeather).Methods("GET")
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.HandleFunc("/docs", h.Docs).Methods("GET")
	router.HandleFunc("/", h.Redirect).Methods("GET")
	return router
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, w.Body.String())
	}
	return body
}

func TestHandler_GetWeather_Success(t *testing.T) {
	lookup := &mockLookup{summary: parisSummary}
	router := newTestRouter(NewHandler(lookup, nil, zap.NewNop(), ""))

	req := httptest.NewRequest("GET", "/weather/Paris", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GetWeather() status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, key := range []string{"precipitation", "wind", "numClouds", "lightData"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %q: %s", key, w.Body.String())
		}
	}

	var got models.WeatherSummary
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got != parisSummary {
		t.Errorf("response = %+v, want %+v", got, parisSummary)
	}
}

// TestHandler_GetWeather_PassesLocationUnchanged verifies that the path value
// reaches the service without trimming or case folding.
func TestHandler_GetWeather_PassesLocationUnchanged(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/weather/paris", "paris"},
		{"/weather/PARIS", "PARIS"},
		{"/weather/New%20York", "New York"},
		{"/weather/S%C3%A3o%20Paulo", "São Paulo"},
	}
	for _, tt := range tests {
		lookup := &mockLookup{summary: parisSummary}
		router := newTestRouter(NewHandler(lookup, nil, zap.NewNop(), ""))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))

		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", tt.path, w.Code)
		}
		if got, _ := lookup.last.Load().(string); got != tt.want {
			t.Errorf("%s: service saw %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestHandler_GetWeather_InvalidLocation(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"whitespace only", "/weather/%20%20"},
		{"control character", "/weather/Par%00is"},
		{"too long", "/weather/" + strings.Repeat("a", maxLocationLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := &mockLookup{}
			router := newTestRouter(NewHandler(lookup, nil, zap.NewNop(), ""))

			req := httptest.NewRequest("GET", tt.path, nil)
			req.Header.Set("X-Correlation-ID", "corr-400")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := decodeError(t, w)
			if body.Error.Code != "INVALID_LOCATION" {
				t.Errorf("error.code = %q, want INVALID_LOCATION", body.Error.Code)
			}
			if body.Error.RequestID != "corr-400" {
				t.Errorf("error.requestId = %q, want corr-400", body.Error.RequestID)
			}
			if lookup.calls.Load() != 0 {
				t.Error("service called for invalid location")
			}
		})
	}
}

func TestHandler_GetWeather_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			"upstream unavailable",
			fmt.Errorf("%w: %w", service.ErrUpstreamUnavailable, client.ErrLocationNotFound),
			http.StatusBadGateway, "UPSTREAM_UNAVAILABLE",
		},
		{
			"upstream timed out on its own deadline",
			fmt.Errorf("%w: %w", service.ErrUpstreamUnavailable, context.DeadlineExceeded),
			http.StatusBadGateway, "UPSTREAM_UNAVAILABLE",
		},
		{
			"persistence",
			fmt.Errorf("%w: connection refused", service.ErrPersistence),
			http.StatusInternalServerError, "PERSISTENCE_ERROR",
		},
		{
			"duplicate key",
			fmt.Errorf("%w: location %q", service.ErrDuplicateKey, "Paris"),
			http.StatusConflict, "CONFLICT",
		},
		{
			"coalescer wait deadline",
			context.DeadlineExceeded,
			http.StatusGatewayTimeout, "TIMEOUT",
		},
		{
			"unclassified",
			errors.New("boom"),
			http.StatusInternalServerError, "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(NewHandler(&mockLookup{err: tt.err}, nil, zap.NewNop(), ""))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/Paris", nil))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeError(t, w)
			if body.Error.Code != tt.wantErr {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tt.wantErr)
			}
			if body.Error.RequestID == "" {
				t.Error("error.requestId empty, want generated correlation ID")
			}
			if strings.Contains(body.Error.Message, "connection refused") {
				t.Errorf("error.message leaks cause: %q", body.Error.Message)
			}
		})
	}
}

func TestHandler_GetWeather_RequestDeadline(t *testing.T) {
	h := NewHandler(&mockLookup{block: true}, nil, zap.NewNop(), "")
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(30 * time.Millisecond))
	router.HandleFunc("/weather/{location}", h.GetWeather)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/Paris", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != "TIMEOUT" {
		t.Errorf("error.code = %q, want TIMEOUT", body.Error.Code)
	}
}

func TestHandler_GetWeather_LogsCauseAtDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := NewHandler(&mockLookup{err: fmt.Errorf("%w: HTTP 503", service.ErrUpstreamUnavailable)}, nil, zap.NewNop(), "")
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/weather/{location}", h.GetWeather)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/weather/Paris", nil))

	entries := logs.FilterMessage("lookup error").All()
	if len(entries) != 1 {
		t.Fatalf("lookup error logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["code"] != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("logged code = %v, want UPSTREAM_UNAVAILABLE", fields["code"])
	}
	if _, ok := fields["correlation_id"]; !ok {
		t.Error("log entry missing correlation_id")
	}
}

func TestHandler_Redirect(t *testing.T) {
	tests := []struct {
		docsURL string
		want    string
	}{
		{"", "/docs"},
		{"https://example.com/weather-docs", "https://example.com/weather-docs"},
	}
	for _, tt := range tests {
		router := newTestRouter(NewHandler(&mockLookup{}, nil, zap.NewNop(), tt.docsURL))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

		if w.Code != http.StatusMovedPermanently {
			t.Errorf("status = %d, want 301", w.Code)
		}
		if got := w.Header().Get("Location"); got != tt.want {
			t.Errorf("Location = %q, want %q", got, tt.want)
		}
	}
}

func TestHandler_Docs(t *testing.T) {
	router := newTestRouter(NewHandler(&mockLookup{}, nil, zap.NewNop(), ""))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/docs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "GET /weather/{location}") {
		t.Error("docs do not describe the weather endpoint")
	}
}

func recordOutcomes(o traffic.Outcome, n int) {
	for i := 0; i < n; i++ {
		traffic.Record(o)
	}
}

func getHealth(t *testing.T, h *Handler) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	healthConfig := &HealthConfig{
		DatabasePing: func(ctx context.Context) error { return nil },
		Version:      "1.2.3",
	}
	code, body := getHealth(t, NewHandler(&mockLookup{}, healthConfig, zap.NewNop(), ""))

	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" || body["service"] != "weather-lookup-service" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["database"] != "healthy" {
		t.Errorf("checks.database = %v, want healthy", checks["database"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.Set(lifecycle.ShuttingDown)
	defer lifecycle.Set(lifecycle.Serving)

	code, body := getHealth(t, NewHandler(&mockLookup{}, &HealthConfig{}, zap.NewNop(), ""))
	if code != http.StatusServiceUnavailable || body["status"] != "shutting-down" {
		t.Errorf("health = %d %v, want 503 shutting-down", code, body["status"])
	}
}

func TestHandler_GetHealth_Starting(t *testing.T) {
	lifecycle.Set(lifecycle.Starting)
	defer lifecycle.Set(lifecycle.Serving)

	code, body := getHealth(t, NewHandler(&mockLookup{}, &HealthConfig{}, zap.NewNop(), ""))
	if code != http.StatusServiceUnavailable || body["status"] != "starting" {
		t.Errorf("health = %d %v, want 503 starting", code, body["status"])
	}
}

func TestHandler_GetHealth_DatabaseUnreachable(t *testing.T) {
	traffic.Reset()
	healthConfig := &HealthConfig{
		DatabasePing: func(ctx context.Context) error { return errors.New("dial tcp: connection refused") },
	}
	code, body := getHealth(t, NewHandler(&mockLookup{}, healthConfig, zap.NewNop(), ""))

	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("health = %d %v, want 503 degraded", code, body["status"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["database"] != "unhealthy" {
		t.Errorf("checks.database = %v, want unhealthy", checks["database"])
	}
}

func TestHandler_GetHealth_Overloaded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	healthConfig := &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 50,
		RateLimitRPS:         1, // threshold 30 requests per minute
	}
	recordOutcomes(traffic.Success, 20)
	recordOutcomes(traffic.Denied, 11)

	code, body := getHealth(t, NewHandler(&mockLookup{}, healthConfig, zap.NewNop(), ""))
	if code != http.StatusServiceUnavailable || body["status"] != "overloaded" {
		t.Errorf("health = %d %v, want 503 overloaded", code, body["status"])
	}
}

func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	healthConfig := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}

	recordOutcomes(traffic.Success, 4)
	recordOutcomes(traffic.Failure, 3)
	h := NewHandler(&mockLookup{}, healthConfig, zap.NewNop(), "")
	if code, body := getHealth(t, h); code != http.StatusOK {
		t.Errorf("below threshold health = %d %v, want 200", code, body["status"])
	}

	recordOutcomes(traffic.Failure, 2)
	if code, body := getHealth(t, h); code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("above threshold health = %d %v, want 503 degraded", code, body["status"])
	}
}

func TestHandler_GetHealth_CacheCheck(t *testing.T) {
	traffic.Reset()
	healthConfig := &HealthConfig{CachePing: func() error { return errors.New("no servers") }}
	code, body := getHealth(t, NewHandler(&mockLookup{}, healthConfig, zap.NewNop(), ""))

	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 (cache is optional)", code)
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["cache"] != "unhealthy" {
		t.Errorf("checks.cache = %v, want unhealthy", checks["cache"])
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	core, logs := observer.New(zap.DebugLevel)
	healthConfig := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
	h := NewHandler(&mockLookup{}, healthConfig, zap.New(core), "")

	recordOutcomes(traffic.Success, 2)
	getHealth(t, h)
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	recordOutcomes(traffic.Failure, 2)
	getHealth(t, h)
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	getHealth(t, h)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}

func TestHandler_GetWeather_RecordsTraffic(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	ok := newTestRouter(NewHandler(&mockLookup{summary: parisSummary}, nil, zap.NewNop(), ""))
	failing := newTestRouter(NewHandler(&mockLookup{err: fmt.Errorf("%w: x", service.ErrPersistence)}, nil, zap.NewNop(), ""))
	conflict := newTestRouter(NewHandler(&mockLookup{err: service.ErrDuplicateKey}, nil, zap.NewNop(), ""))

	for _, r := range []*mux.Router{ok, failing, conflict} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/weather/Paris", nil))
	}

	failures, total := traffic.ErrorRate(time.Minute)
	if failures != 1 || total != 3 {
		t.Errorf("ErrorRate() = %d/%d, want 1/3 (409 is not a server failure)", failures, total)
	}
}

// stubClient serves a fixed provider response and counts calls.
type stubClient struct {
	weather models.UpstreamWeather
	err     error
	calls   atomic.Int32
}

func (s *stubClient) Fetch(ctx context.Context, location string) (models.UpstreamWeather, error) {
	s.calls.Add(1)
	return s.weather, s.err
}

// TestHandler_EndToEnd_SQLite runs the real service and store behind the router.
func TestHandler_EndToEnd_SQLite(t *testing.T) {
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "e2e.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	wc := &stubClient{weather: models.UpstreamWeather{ConditionCode: 321, WindSpeed: 3, CloudCoverage: 20, Sunrise: 100, Sunset: 200}}
	svc := service.NewLookupService(st, wc, nil, 0, true, time.Second)
	router := newTestRouter(NewHandler(svc, &HealthConfig{DatabasePing: st.Ping}, zap.NewNop(), ""))

	var bodies []string
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/Lisbon", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body %s", i, w.Code, w.Body.String())
		}
		bodies = append(bodies, w.Body.String())
	}
	if bodies[0] != bodies[1] {
		t.Errorf("responses differ:\n%s\n%s", bodies[0], bodies[1])
	}
	if !strings.Contains(bodies[0], `"precipitation":"rain"`) {
		t.Errorf("body = %s, want rain for code 321", bodies[0])
	}
	if got := wc.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	wc.err = fmt.Errorf("%w: HTTP 404", client.ErrLocationNotFound)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/Atlantis", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("unknown location status = %d, want 502", w.Code)
	}

	traffic.Reset()
	if code, _ := getHealth(t, NewHandler(svc, &HealthConfig{DatabasePing: st.Ping}, zap.NewNop(), "")); code != http.StatusOK {
		t.Errorf("health status = %d, want 200", code)
	}
}
