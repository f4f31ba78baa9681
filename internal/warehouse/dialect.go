package warehouse

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/rawlake/internal/catalog"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite3"
	DriverDuckDB = "duckdb"
)

// dialect captures what differs between the supported engines.
type dialect interface {
	name() string
	columnType(t catalog.ColumnType) string
	value(t catalog.ColumnType, v any) (any, error)
	columnsQuery() string
	transient(err error) bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return sqliteDialect{}, nil
	case DriverDuckDB:
		return duckDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported warehouse driver %q (want %s or %s)", driver, DriverSQLite, DriverDuckDB)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return DriverSQLite }

func (sqliteDialect) columnType(t catalog.ColumnType) string {
	switch t {
	case catalog.TypeInteger, catalog.TypeBool:
		return "INTEGER"
	case catalog.TypeDecimal:
		return "NUMERIC"
	}
	return "TEXT"
}

func (sqliteDialect) value(t catalog.ColumnType, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return x.Format("2006-01-02"), nil
	case *apd.Decimal:
		return x.Text('f'), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return v, nil
}

func (sqliteDialect) columnsQuery() string {
	return `SELECT name FROM pragma_table_info(?)`
}

func (sqliteDialect) transient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

type duckDialect struct{}

func (duckDialect) name() string { return DriverDuckDB }

func (duckDialect) columnType(t catalog.ColumnType) string {
	switch t {
	case catalog.TypeInteger:
		return "BIGINT"
	case catalog.TypeDecimal:
		return "DOUBLE"
	case catalog.TypeDate:
		return "DATE"
	case catalog.TypeBool:
		return "BOOLEAN"
	}
	return "VARCHAR"
}

func (duckDialect) value(t catalog.ColumnType, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *apd.Decimal:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("decimal %s: %w", x.Text('f'), err)
		}
		return f, nil
	}
	return v, nil
}

func (duckDialect) columnsQuery() string {
	return `SELECT column_name FROM information_schema.columns WHERE table_name = ?`
}

func (duckDialect) transient(error) bool {
	return false
}

func openDB(d dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s warehouse: %w", d.name(), err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s warehouse: %w", d.name(), err)
	}

	// One writer at a time; a file load holds the connection until commit.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if d.name() == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
			}
		}
	}
	return db, nil
}
