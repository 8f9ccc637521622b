package helpers

import (
	"database/sql"
	"fmt"

	"github.com/golang/glog"

	// Registers the "postgres" driver
	_ "github.com/lib/pq"
)

// DBConfig stores the connection information used by OpenDB to establish a
// connection to the database
type DBConfig struct {
	Host     string
	Port     int64
	Database string
	Username string
	Password string
	SSLMode  string
}

// DSN renders the config as a lib/pq connection string
func (c DBConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"user=%s dbname=%s host=%s port=%d password=%s sslmode=%s",
		c.Username,
		c.Database,
		c.Host,
		c.Port,
		c.Password,
		sslmode,
	)
}

// OpenDB establishes the connection pool and checks that the database answers
func OpenDB(c DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	// The cache is one of several clients of the database, stay well below
	// the PostgreSQL default of 100 connections
	db.SetMaxOpenConns(20)

	if glog.V(2) {
		glog.Infof("Connected to database %s on %s:%d", c.Database, c.Host, c.Port)
	}

	return db, nil
}

// GetTransaction will begin and then return a transaction on db
func GetTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("could not start a transaction: %w", err)
	}

	return tx, nil
}
