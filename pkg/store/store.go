// Package store implements the persistent store: durable tables for
// endpoints, endpoint-models, health checks, request history, and the
// hash-chained audit log, behind a single-writer transactional API.
//
// Queries are hand-written SQL over database/sql with the pgx stdlib
// driver; the schema lives in pkg/database/migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/database"
)

// Store is the persistent-store handle for the primary database. An
// optional archive pool (ArchiveDB) backs audit-log rotation.
type Store struct {
	db        *sql.DB
	archiveDB *sql.DB // nil when no archive DSN is configured
}

// New wraps a primary client and an optional archive client.
func New(primary *database.Client, archive *database.Client) *Store {
	s := &Store{db: primary.DB()}
	if archive != nil {
		s.archiveDB = archive.DB()
	}
	return s
}

// HasArchive reports whether a secondary archive pool is configured.
func (s *Store) HasArchive() bool { return s.archiveDB != nil }

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, re-raised after rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", gwerrors.ErrStorage, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
