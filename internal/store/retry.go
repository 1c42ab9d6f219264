package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

// Transient-retry budget for busy/locked transactions: 5 attempts total,
// exponential backoff starting at ~20ms.
const (
	retryAttempts        = 5
	retryInitialInterval = 20 * time.Millisecond
)

// IsTransient reports whether err is a retryable SQLITE_BUSY/SQLITE_LOCKED
// condition. Everything else propagates immediately.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. If the transaction fails with a transient busy/locked condition the
// WHOLE transaction is replayed, so fn must be free of external side-effects.
// fn returning an error is not a retry trigger unless that error is transient.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newRetryBackOff(), retryAttempts-1),
		ctx,
	)

	return backoff.Retry(func() error {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DryRunTx runs fn inside a transaction that is ALWAYS rolled back.
// Used by the agent bridge to evaluate gateway checks without committing.
func (s *Store) DryRunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dry-run tx: %w", err)
	}
	defer tx.Rollback()

	return fn(tx)
}

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.RandomizationFactor = 0.2
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0 // attempt count bounds the retry, not elapsed time
	return b
}
