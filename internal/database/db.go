package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Options selects and addresses the database.  MySQL serves the shared host
// deployment; SQLite serves single-device installs and tests.
type Options struct {
	Driver     string
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SQLitePath string
}

// Open connects to the configured database, verifies the connection and
// creates the schema when missing.
func Open(o Options) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch strings.ToLower(o.Driver) {
	case DriverMySQL:
		db, err = OpenMySQL(o.User, o.Pass, o.Host, o.Port, o.Name)
	case DriverSQLite, "":
		db, err = OpenSQLite(o.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", o.Driver)
	}
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	driver := DriverSQLite
	if strings.EqualFold(o.Driver, DriverMySQL) {
		driver = DriverMySQL
	}
	if err := Migrate(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMySQL connects to MySQL and verifies the connection.
func OpenMySQL(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// loc=UTC keeps driver-side conversions consistent; timestamps are stored as Unix ms
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	return db, ping(db)
}

// OpenSQLite opens a pure-Go SQLite database file.  A single connection is
// used so transactions serialize instead of failing with SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "regimen.db"
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, ping(db)
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}
