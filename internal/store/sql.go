package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

const defaultMaxTxAttempts = 3

// SQLStore implements Store over database/sql for every supported dialect.
type SQLStore struct {
	db            *sql.DB
	dialect       dialect
	maxTxAttempts int
	logger        *zap.Logger

	findQuery   string
	insertQuery string
}

// Open connects to the configured database, verifies the connection, and
// creates the record table when it does not exist. The caller must Close the store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(d.driverName, d.dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d.name, err)
	}
	configurePool(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d.name, err)
	}

	s := newSQLStore(db, d, cfg.MaxTxAttempts, logger)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

// configurePool applies the pool settings to every dialect. SQLite runs in WAL
// mode, so pooled readers never wait on a writer; competing writers surface
// as SQLITE_BUSY and are retried by WithTx.
func configurePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func newSQLStore(db *sql.DB, d dialect, maxTxAttempts int, logger *zap.Logger) *SQLStore {
	if maxTxAttempts <= 0 {
		maxTxAttempts = defaultMaxTxAttempts
	}
	p := d.placeholder
	return &SQLStore{
		db:            db,
		dialect:       d,
		maxTxAttempts: maxTxAttempts,
		logger:        logger,
		findQuery: fmt.Sprintf(`SELECT location, updated_at_millis, precipitation, wind_speed, cloud_coverage, sunrise, sunset
FROM weather_queries WHERE location = %s`, p(1)),
		insertQuery: fmt.Sprintf(`INSERT INTO weather_queries
(location, updated_at_millis, precipitation, wind_speed, cloud_coverage, sunrise, sunset)
VALUES (%s, %s, %s, %s, %s, %s, %s)`, p(1), p(2), p(3), p(4), p(5), p(6), p(7)),
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable); err != nil {
		return fmt.Errorf("create weather_queries table: %w", err)
	}
	s.logger.Info("database migration applied", zap.String("driver", s.dialect.name))
	return nil
}

// WithTx runs fn in a transaction. A serialization conflict from the database
// restarts the whole unit of work, up to the configured attempt limit. On
// dialects with a lockingBegin statement the restarts take the write lock
// up front, so concurrent retries queue on the lock instead of conflicting again.
func (s *SQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= s.maxTxAttempts; attempt++ {
		if attempt > 1 && s.dialect.lockingBegin != "" {
			err = s.runLockedTx(ctx, fn)
		} else {
			err = s.runTx(ctx, fn)
		}
		if err == nil || !s.dialect.isTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < s.maxTxAttempts {
			observability.StoreTxRetriesTotal.Inc()
			s.logger.Warn("retrying transaction after conflict",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	observability.StoreOperationDurationSeconds.WithLabelValues("lookup_tx", result).Observe(time.Since(start).Seconds())
	return err
}

func (s *SQLStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("begin").Inc()
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &txView{q: sqlTx, store: s}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("commit").Inc()
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// runLockedTx runs fn on a dedicated connection inside a transaction opened
// with the dialect's lockingBegin statement.
func (s *SQLStore) runLockedTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("begin").Inc()
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, s.dialect.lockingBegin); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("begin").Inc()
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &txView{q: conn, store: s}); err != nil {
		s.rollbackConn(ctx, conn)
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("commit").Inc()
		s.rollbackConn(ctx, conn)
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// rollbackConn ends the open transaction on conn. A connection that cannot be
// rolled back is discarded rather than returned to the pool mid-transaction.
func (s *SQLStore) rollbackConn(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		s.logger.Warn("rollback failed", zap.Error(err))
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// querier is satisfied by *sql.Tx and *sql.Conn.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txView struct {
	q     querier
	store *SQLStore
}

func (t *txView) FindByLocation(ctx context.Context, location string) (models.WeatherRecord, bool, error) {
	var rec models.WeatherRecord
	var precipitation string
	err := t.q.QueryRowContext(ctx, t.store.findQuery, location).Scan(
		&rec.Location,
		&rec.UpdatedAtMillis,
		&precipitation,
		&rec.WindSpeed,
		&rec.CloudCoverage,
		&rec.Sunrise,
		&rec.Sunset,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WeatherRecord{}, false, nil
	}
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("find").Inc()
		return models.WeatherRecord{}, false, fmt.Errorf("find %q: %w", location, err)
	}
	rec.Precipitation = models.Precipitation(precipitation)
	return rec, true, nil
}

func (t *txView) Insert(ctx context.Context, rec models.WeatherRecord) error {
	_, err := t.q.ExecContext(ctx, t.store.insertQuery,
		rec.Location,
		rec.UpdatedAtMillis,
		string(rec.Precipitation),
		rec.WindSpeed,
		rec.CloudCoverage,
		rec.Sunrise,
		rec.Sunset,
	)
	if err == nil {
		return nil
	}
	if t.store.dialect.isDuplicate(err) {
		observability.DuplicateKeyConflictsTotal.Inc()
		return fmt.Errorf("%w: location %q: %w", ErrDuplicateKey, rec.Location, err)
	}
	observability.StoreErrorsTotal.WithLabelValues("insert").Inc()
	return fmt.Errorf("insert %q: %w", rec.Location, err)
}
