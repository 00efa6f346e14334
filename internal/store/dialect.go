package store

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures what differs between the supported databases.
type dialect struct {
	name        string
	driverName  string
	createTable string
	// placeholder returns the bind marker for the n-th (1-based) argument.
	placeholder func(n int) string
	dsn         func(cfg Config) string
	isDuplicate func(err error) bool
	// isTransient reports a serialization or lock conflict that is safe to retry.
	isTransient func(err error) bool
	// lockingBegin, when set, opens retried transactions holding the write lock.
	lockingBegin string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres", "cockroach", "cockroachdb":
		return postgresDialect, nil
	case "mysql":
		return mysqlDialect, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	}
	return dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
}

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func questionPlaceholder(int) string { return "?" }

var postgresDialect = dialect{
	name:       "postgres",
	driverName: "postgres",
	createTable: `CREATE TABLE IF NOT EXISTS weather_queries (
	location VARCHAR(255) PRIMARY KEY,
	updated_at_millis BIGINT NOT NULL,
	precipitation VARCHAR(8) NOT NULL,
	wind_speed DOUBLE PRECISION NOT NULL,
	cloud_coverage INT NOT NULL,
	sunrise BIGINT NOT NULL,
	sunset BIGINT NOT NULL
)`,
	placeholder: dollarPlaceholder,
	dsn:         postgresDSN,
	isDuplicate: func(err error) bool { return pqCode(err) == "23505" },
	isTransient: func(err error) bool { return pqCode(err) == "40001" },
}

var mysqlDialect = dialect{
	name:       "mysql",
	driverName: "mysql",
	createTable: `CREATE TABLE IF NOT EXISTS weather_queries (
	location VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL PRIMARY KEY,
	updated_at_millis BIGINT NOT NULL,
	precipitation VARCHAR(8) NOT NULL,
	wind_speed DOUBLE NOT NULL,
	cloud_coverage INT NOT NULL,
	sunrise BIGINT NOT NULL,
	sunset BIGINT NOT NULL
)`,
	placeholder: questionPlaceholder,
	dsn:         mysqlDSN,
	isDuplicate: func(err error) bool { return mysqlNumber(err) == 1062 },
	// 1213 deadlock, 1205 lock wait timeout
	isTransient: func(err error) bool {
		n := mysqlNumber(err)
		return n == 1213 || n == 1205
	},
}

var sqliteDialect = dialect{
	name:       "sqlite",
	driverName: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS weather_queries (
	location TEXT NOT NULL PRIMARY KEY,
	updated_at_millis INTEGER NOT NULL,
	precipitation TEXT NOT NULL,
	wind_speed REAL NOT NULL,
	cloud_coverage INTEGER NOT NULL,
	sunrise INTEGER NOT NULL,
	sunset INTEGER NOT NULL
)`,
	placeholder: questionPlaceholder,
	dsn: func(cfg Config) string {
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	},
	isDuplicate: func(err error) bool {
		code := sqliteCode(err)
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	},
	isTransient: func(err error) bool {
		// low byte is the primary result code
		code := sqliteCode(err) & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	},
	// a deferred transaction whose read snapshot went stale fails with
	// SQLITE_BUSY_SNAPSHOT without waiting; IMMEDIATE waits on busy_timeout
	lockingBegin: "BEGIN IMMEDIATE",
}

func postgresDSN(cfg Config) string {
	host := cfg.Host
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   host,
		Path:   "/" + cfg.Name,
	}
	q := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q.Set("sslmode", sslMode)
	if cfg.SSLRootCert != "" {
		q.Set("sslrootcert", cfg.SSLRootCert)
	}
	if cfg.Options != "" {
		q.Set("options", cfg.Options)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func mysqlDSN(cfg Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	return mc.FormatDSN()
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func mysqlNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

func sqliteCode(err error) int {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()
	}
	return 0
}
