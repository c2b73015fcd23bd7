// Package store provides an optional SQLite-backed persistence layer for
// Data Secure sequence-number bookkeeping, so a restarted interface does
// not replay sequence numbers a peer has already accepted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/knxcore/internal/knx/secure"
)

var _ secure.Store = (*Store)(nil)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	connectionTimeout = 5 * time.Second
	msPerSecond       = 1000

	schema = `
CREATE TABLE IF NOT EXISTS secure_tx_sequence (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	sequence_number INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS secure_rx_sequence (
	sender INTEGER PRIMARY KEY,
	sequence_number INTEGER NOT NULL
);
`
)

// Config configures the SQLite-backed Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// directory is created if it does not exist.
	Path string

	// BusyTimeout is the maximum time to wait for a database lock
	// (seconds).
	BusyTimeout int
}

// Store persists Data Secure sequence numbers in a SQLite database,
// implementing secure.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at cfg.Path in
// WAL mode and ensures its schema exists.
func Open(cfg Config) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("secure/store: creating directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout*msPerSecond)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("secure/store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("secure/store: verifying connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("secure/store: applying schema: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file may not exist yet

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("secure/store: closing database: %w", err)
	}
	return nil
}

// LoadTxSequence implements secure.Store.
func (s *Store) LoadTxSequence() (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT sequence_number FROM secure_tx_sequence WHERE id = 1`).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("secure/store: loading tx sequence: %w", err)
	}
	return uint64(seq), true, nil
}

// SaveTxSequence implements secure.Store.
func (s *Store) SaveTxSequence(seq uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secure_tx_sequence (id, sequence_number) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET sequence_number = excluded.sequence_number`,
		int64(seq))
	if err != nil {
		return fmt.Errorf("secure/store: saving tx sequence: %w", err)
	}
	return nil
}

// LoadRxSequence implements secure.Store.
func (s *Store) LoadRxSequence(sender uint16) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT sequence_number FROM secure_rx_sequence WHERE sender = ?`, int64(sender)).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("secure/store: loading rx sequence: %w", err)
	}
	return uint64(seq), true, nil
}

// SaveRxSequence implements secure.Store.
func (s *Store) SaveRxSequence(sender uint16, seq uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secure_rx_sequence (sender, sequence_number) VALUES (?, ?)
		 ON CONFLICT(sender) DO UPDATE SET sequence_number = excluded.sequence_number`,
		int64(sender), int64(seq))
	if err != nil {
		return fmt.Errorf("secure/store: saving rx sequence: %w", err)
	}
	return nil
}
