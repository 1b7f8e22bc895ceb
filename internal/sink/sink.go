// Package sink delivers records to the remote store. Each backend makes
// exactly one attempt per record and classifies the result as an Outcome.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-lab/speedtrack/internal/record"
)

// Outcome is the result of a single delivery attempt.
type Outcome int

const (
	// Delivered means the store acknowledged the record.
	Delivered Outcome = iota
	// Rejected means the store was reached but refused the record.
	Rejected
	// Unreachable means the store could not be reached in time.
	Unreachable
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Sink is a remote store.
type Sink interface {
	// Deliver makes one attempt to store r. The returned error explains a
	// non-Delivered outcome and is nil otherwise.
	Deliver(ctx context.Context, r record.Record) (Outcome, error)
	Name() string
	Close(ctx context.Context) error
}

// Config addresses the remote store.
type Config struct {
	// Store is the backend: "mongodb", "bigquery" or "postgres".
	Store            string
	ConnectionString string
	DBName           string
	CollectionName   string
}

// ErrUnknownStore is returned by New for an unsupported backend.
var ErrUnknownStore = errors.New("unknown store")

// New returns the Sink selected by cfg.Store. Opening a connection is
// cheap for every backend: no I/O happens until the first Deliver.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Store {
	case "", "mongodb":
		return NewMongo(ctx, cfg.ConnectionString, cfg.DBName, cfg.CollectionName)
	case "bigquery":
		return NewBigQuery(ctx, cfg.ConnectionString, cfg.DBName, cfg.CollectionName)
	case "postgres":
		return OpenPostgres(cfg.ConnectionString, cfg.CollectionName)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Store)
}

// Unavailable is a Sink that cannot reach its store. It stands in for a
// backend that failed to initialize, so that records are still queued.
type Unavailable struct {
	Store string
	Err   error
}

// Deliver always reports Unreachable.
func (u *Unavailable) Deliver(ctx context.Context, r record.Record) (Outcome, error) {
	return Unreachable, u.Err
}

func (u *Unavailable) Name() string { return u.Store }

func (u *Unavailable) Close(ctx context.Context) error { return nil }

// classifyContext maps context expiry to Unreachable.
func classifyContext(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}
