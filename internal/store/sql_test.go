package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "weather.db")}
	s, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func parisRecord() models.WeatherRecord {
	return models.WeatherRecord{
		Location:        "Paris",
		UpdatedAtMillis: 1700000000123,
		Precipitation:   models.PrecipitationRain,
		WindSpeed:       4.6,
		CloudCoverage:   75,
		Sunrise:         1699944000,
		Sunset:          1699978800,
	}
}

func insert(t *testing.T, s Store, rec models.WeatherRecord) error {
	t.Helper()
	return s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, rec)
	})
}

func find(t *testing.T, s Store, location string) (models.WeatherRecord, bool) {
	t.Helper()
	var rec models.WeatherRecord
	var found bool
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		rec, found, err = tx.FindByLocation(ctx, location)
		return err
	})
	if err != nil {
		t.Fatalf("FindByLocation(%q) error = %v", location, err)
	}
	return rec, found
}

func TestSQLStore_InsertThenFind_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := parisRecord()

	if err := insert(t, s, want); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, found := find(t, s, "Paris")
	if !found {
		t.Fatal("FindByLocation() found = false, want true")
	}
	if got != want {
		t.Errorf("FindByLocation() = %+v, want %+v", got, want)
	}
}

func TestSQLStore_FindByLocation_Miss(t *testing.T) {
	s := openTestStore(t)
	if _, found := find(t, s, "Nowhere"); found {
		t.Error("FindByLocation() found = true on empty table")
	}
}

func TestSQLStore_FindByLocation_CaseSensitive(t *testing.T) {
	s := openTestStore(t)
	if err := insert(t, s, parisRecord()); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, found := find(t, s, "paris"); found {
		t.Error(`FindByLocation("paris") found record stored as "Paris"`)
	}
	lower := parisRecord()
	lower.Location = "paris"
	if err := insert(t, s, lower); err != nil {
		t.Errorf("Insert(paris) error = %v, want distinct key", err)
	}
}

func TestSQLStore_Insert_DuplicateKey(t *testing.T) {
	s := openTestStore(t)
	first := parisRecord()
	if err := insert(t, s, first); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	second := parisRecord()
	second.Precipitation = models.PrecipitationSnow
	second.UpdatedAtMillis++
	err := insert(t, s, second)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second Insert() error = %v, want ErrDuplicateKey", err)
	}

	got, _ := find(t, s, "Paris")
	if got != first {
		t.Errorf("stored record = %+v, want first writer %+v", got, first)
	}
}

func TestSQLStore_WithTx_RollbackOnError(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, parisRecord()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want fn error unchanged", err)
	}
	if _, found := find(t, s, "Paris"); found {
		t.Error("record visible after rolled back transaction")
	}
}

func TestSQLStore_WithTx_FindThenInsertInOneTx(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, found, err := tx.FindByLocation(ctx, "Paris")
		if err != nil || found {
			t.Fatalf("FindByLocation() = found %v, err %v", found, err)
		}
		if err := tx.Insert(ctx, parisRecord()); err != nil {
			return err
		}
		_, found, err = tx.FindByLocation(ctx, "Paris")
		if !found {
			t.Error("record not visible inside its own transaction")
		}
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestSQLStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.db")
	cfg := Config{Driver: "sqlite", Path: path}

	s, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := insert(t, s, parisRecord()); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	_ = s.Close()

	reopened, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	if got, found := find(t, reopened, "Paris"); !found || got != parisRecord() {
		t.Errorf("after reopen FindByLocation() = %+v, %v", got, found)
	}
}

// TestSQLStore_WithTx_RetriesTransientConflict drives the retry loop with a
// serialization failure returned from fn, the way a driver would surface it.
func TestSQLStore_WithTx_RetriesTransientConflict(t *testing.T) {
	base := openTestStore(t)
	core, logs := observer.New(zap.WarnLevel)
	s := newSQLStore(base.db, postgresDialect, 3, zap.New(core))

	calls := 0
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		if calls < 3 {
			return &pq.Error{Code: "40001", Message: "restart transaction"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v, want success after retries", err)
	}
	if calls != 3 {
		t.Errorf("fn calls = %d, want 3", calls)
	}
	if n := logs.FilterMessage("retrying transaction after conflict").Len(); n != 2 {
		t.Errorf("retry log entries = %d, want 2", n)
	}
}

func TestSQLStore_WithTx_GivesUpAfterMaxAttempts(t *testing.T) {
	base := openTestStore(t)
	s := newSQLStore(base.db, postgresDialect, 2, zap.NewNop())

	calls := 0
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		return &pq.Error{Code: "40001"}
	})
	if pqCode(err) != "40001" {
		t.Errorf("WithTx() error = %v, want last conflict", err)
	}
	if calls != 2 {
		t.Errorf("fn calls = %d, want 2", calls)
	}
}

func TestSQLStore_WithTx_NoRetryOnOtherErrors(t *testing.T) {
	s := openTestStore(t)
	calls := 0
	_ = s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		return errors.New("permanent")
	})
	if calls != 1 {
		t.Errorf("fn calls = %d, want 1", calls)
	}
}

// TestSQLStore_OpenTxDoesNotBlockOthers verifies that a transaction held open
// between its read and its insert leaves other lookups and Ping free to run.
func TestSQLStore_OpenTxDoesNotBlockOthers(t *testing.T) {
	s := openTestStore(t)
	if err := insert(t, s, parisRecord()); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, _, err := tx.FindByLocation(ctx, "Oslo"); err != nil {
				return err
			}
			close(holding)
			<-release
			rec := parisRecord()
			rec.Location = "Oslo"
			return tx.Insert(ctx, rec)
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var found bool
	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		_, found, err = tx.FindByLocation(ctx, "Paris")
		return err
	})
	if err != nil || !found {
		t.Errorf("FindByLocation(Paris) during open tx: found = %v, error = %v", found, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() during open tx error = %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("held WithTx() error = %v", err)
	}
	if _, found := find(t, s, "Oslo"); !found {
		t.Error("FindByLocation(Oslo) found = false after held tx committed")
	}
}

// TestSQLStore_ConcurrentWritersOnSQLite verifies that transactions inserting
// different locations at once all commit, with lock conflicts retried.
func TestSQLStore_ConcurrentWritersOnSQLite(t *testing.T) {
	s := openTestStore(t)
	locations := []string{"Oslo", "Lima", "Kyiv", "Rome"}

	start := make(chan struct{})
	errs := make(chan error, len(locations))
	for _, loc := range locations {
		go func(loc string) {
			<-start
			errs <- s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
				_, found, err := tx.FindByLocation(ctx, loc)
				if err != nil || found {
					return err
				}
				rec := parisRecord()
				rec.Location = loc
				return tx.Insert(ctx, rec)
			})
		}(loc)
	}
	close(start)
	for range locations {
		if err := <-errs; err != nil {
			t.Errorf("WithTx() error = %v", err)
		}
	}
	for _, loc := range locations {
		if _, found := find(t, s, loc); !found {
			t.Errorf("FindByLocation(%q) found = false", loc)
		}
	}
}

func TestSQLStore_RunLockedTx(t *testing.T) {
	s := openTestStore(t)

	if err := s.runLockedTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, parisRecord())
	}); err != nil {
		t.Fatalf("runLockedTx() error = %v", err)
	}
	if _, found := find(t, s, "Paris"); !found {
		t.Error("FindByLocation() found = false after locked tx committed")
	}

	err := s.runLockedTx(context.Background(), func(ctx context.Context, tx Tx) error {
		rec := parisRecord()
		rec.Location = "Oslo"
		if err := tx.Insert(ctx, rec); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("runLockedTx() error = nil, want abort")
	}
	if _, found := find(t, s, "Oslo"); found {
		t.Error("FindByLocation(Oslo) found = true after rollback")
	}
	// the connection went back to the pool outside a transaction
	if err := insert(t, s, models.WeatherRecord{Location: "Lima", Precipitation: models.PrecipitationNone}); err != nil {
		t.Errorf("Insert() after rollback error = %v", err)
	}
}

func TestSQLStore_Ping(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() after Close error = nil, want error")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, nil)
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("Open() error = %v, want ErrUnsupportedDriver", err)
	}
}
