// Package store persists weather records keyed by location. Records are
// written once on first lookup and never updated.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

var (
	// ErrDuplicateKey is returned by Insert when a record for the location already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnsupportedDriver is returned by Open for an unknown database.driver value.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Store runs units of work against the record table.
type Store interface {
	// WithTx begins a transaction, runs fn, and commits when fn returns nil.
	// Any error from fn rolls the transaction back and is returned unchanged.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of the record table inside one transaction.
type Tx interface {
	// FindByLocation does an exact, case-sensitive match on location.
	FindByLocation(ctx context.Context, location string) (models.WeatherRecord, bool, error)
	Insert(ctx context.Context, rec models.WeatherRecord) error
}

// Config selects and tunes the backing database.
type Config struct {
	Driver      string // postgres, mysql or sqlite
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	SSLRootCert string
	Options     string // postgres options parameter, e.g. a CockroachDB cluster routing flag
	Path        string // sqlite file path

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxTxAttempts   int
}
