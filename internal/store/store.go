// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package store is the SQLite-backed derived-state projection: envelopes,
// bid chains, orders, proposals, votes and comments, all keyed by stable
// content identifiers so that repeated application of the same message
// converges instead of duplicating state.
package store

import (
	"database/sql"
	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a lookup by hash or id matches nothing.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database holding the local projection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the projection database at path. WAL mode allows
// the dispatcher and the recalculation loop to read concurrently; a single
// writer connection avoids SQLITE_BUSY on contended writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect database")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
