package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect selects driver name, placeholder style, DDL types and error-code
// classification for one relational engine.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, driver)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// Rebind converts a query written with ? placeholders to the dialect's style.
func (d Dialect) Rebind(query string) string {
	if d == Postgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return sqlx.Rebind(sqlx.QUESTION, query)
}

func (d Dialect) timestampType() string {
	switch d {
	case Postgres:
		return "TIMESTAMPTZ"
	case MySQL:
		return "DATETIME(6)"
	default:
		return "TIMESTAMP"
	}
}

// Open connects to the database for the given driver name and DSN. MySQL
// DSNs need parseTime=true and multiStatements=true for migration scripts.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, Dialect, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sqlx.ConnectContext(ctx, d.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("connect %s: %w", d, err)
	}
	if d == SQLite {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY inside a process.
		db.SetMaxOpenConns(1)
	}
	return db, d, nil
}

// IsUniqueViolation reports whether err is a unique or primary key violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// alreadyExistsCodes are the Postgres SQLSTATEs for objects that already exist.
var alreadyExistsCodes = map[string]bool{
	"42701": true, // duplicate_column
	"42P07": true, // duplicate_table
	"42710": true, // duplicate_object
	"23505": true, // unique_violation
}

var mysqlAlreadyExists = map[uint16]bool{
	1050: true, // ER_TABLE_EXISTS_ERROR
	1060: true, // ER_DUP_FIELDNAME
	1061: true, // ER_DUP_KEYNAME
	1062: true, // ER_DUP_ENTRY
}

// IsAlreadyExists reports whether err says the object a script tried to
// create is already there. Only the cooperative execution mode treats these
// as success.
func IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return alreadyExistsCodes[pgErr.Code]
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlAlreadyExists[myErr.Number]
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		if IsUniqueViolation(err) {
			return true
		}
		msg := strings.ToLower(sqErr.Error())
		return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
	}
	return false
}
