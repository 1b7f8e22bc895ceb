package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/m-lab/speedtrack/internal/record"
)

// Postgres inserts records into a table keyed by record id. Duplicates are
// ignored.
type Postgres struct {
	db    *sql.DB
	query string
}

// OpenPostgres returns a Postgres sink for dsn. sql.Open does not connect.
func OpenPostgres(dsn, table string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgres(db, table), nil
}

// NewPostgres returns a Postgres sink writing to table through db.
func NewPostgres(db *sql.DB, table string) *Postgres {
	return &Postgres{
		db: db,
		query: fmt.Sprintf("INSERT INTO %s (id, measured, download, upload, download_mb, "+
			"upload_mb, ping, bytes_received, bytes_sent, server, wifi_name, probe_error) "+
			"VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (id) DO NOTHING",
			pq.QuoteIdentifier(table)),
	}
}

// Deliver inserts r.
func (p *Postgres) Deliver(ctx context.Context, r record.Record) (Outcome, error) {
	var id, wifi sql.NullString
	if r.ID != "" {
		id = sql.NullString{String: r.ID, Valid: true}
	}
	if r.WifiName != nil {
		wifi = sql.NullString{String: *r.WifiName, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, p.query,
		id, r.Measured, r.Download, r.Upload, r.DownloadMb, r.UploadMb, r.Ping,
		r.BytesReceived, r.BytesSent, r.Server, wifi, r.ProbeError)
	return classifyPostgres(ctx, err), err
}

func classifyPostgres(ctx context.Context, err error) Outcome {
	var pqErr *pq.Error
	switch {
	case err == nil:
		return Delivered
	case classifyContext(ctx, err):
		return Unreachable
	case errors.As(err, &pqErr):
		return Rejected
	}
	return Unreachable
}

func (p *Postgres) Name() string { return "postgres" }

// Close closes the database handle.
func (p *Postgres) Close(ctx context.Context) error {
	return p.db.Close()
}
