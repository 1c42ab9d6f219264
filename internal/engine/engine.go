// Package engine drives the lead follow-up automation: intake, the per-lead
// conversation state machine, the scheduled-job drain, booking, reporting,
// and the agent bridge. Outbound messages, appointments, opt-out flips, and
// new jobs go through the gateway package; the engine itself records only
// inbound messages and moves drained jobs out of pending.
package engine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/sutton-OS/GoldBot/internal/gateway"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Engine is the single-process automation engine over one local store.
//
// Thread-safety model:
//   - All store access is serialized behind the store's single connection.
//   - RunDueJobs is additionally serialized by drainMu so concurrent drain
//     invocations (UI polling racing the manual button) are re-entrant-safe.
//   - Within a single conversation, events are totally ordered: one event is
//     handled per transaction, and transactions serialize on the writer.
type Engine struct {
	store  *store.Store
	dbPath string
	clock  Clock
	tokens TokenGenerator

	drainMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock. Tests pin time with a FixedClock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTokenGenerator overrides the request-token generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) { e.tokens = g }
}

// New creates an Engine over an open store. dbPath is kept for the
// export-path tool and the client-error sink.
func New(st *store.Store, dbPath string, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		dbPath: dbPath,
		clock:  SystemClock{},
		tokens: UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store. Used by tests and the CLI's read-only
// listings.
func (e *Engine) Store() *store.Store { return e.store }

// withGateway runs fn inside one retried transaction with a gateway bound to
// the singleton location, the current instant, and a fresh correlation
// token. The store replays the whole transaction on transient busy/locked
// errors, so fn must stay free of external side-effects.
func (e *Engine) withGateway(ctx context.Context, fn func(tx *sql.Tx, g *gateway.Gateway) error) error {
	now := e.clock.Now()
	token := e.tokens.Generate()

	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		location, err := store.GetLocation(ctx, tx)
		if err != nil {
			return err
		}
		g, err := gateway.New(tx, location, now, token)
		if err != nil {
			return err
		}
		return fn(tx, g)
	})
}
