package sink

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/m-lab/speedtrack/internal/record"
)

// Row is the BigQuery representation of a record.
type Row struct {
	ID            string              `bigquery:"id"`
	Measured      time.Time           `bigquery:"measured"`
	Download      float64             `bigquery:"download"`
	Upload        float64             `bigquery:"upload"`
	DownloadMb    float64             `bigquery:"download_mb"`
	UploadMb      float64             `bigquery:"upload_mb"`
	Ping          float64             `bigquery:"ping"`
	BytesReceived int64               `bigquery:"bytes_received"`
	BytesSent     int64               `bigquery:"bytes_sent"`
	Server        string              `bigquery:"server"`
	WifiName      bigquery.NullString `bigquery:"wifi_name"`
	ProbeError    string              `bigquery:"probe_error"`
}

// NewRow converts r.
func NewRow(r record.Record) Row {
	row := Row{
		ID:            r.ID,
		Measured:      r.Measured,
		Download:      r.Download,
		Upload:        r.Upload,
		DownloadMb:    r.DownloadMb,
		UploadMb:      r.UploadMb,
		Ping:          r.Ping,
		BytesReceived: r.BytesReceived,
		BytesSent:     r.BytesSent,
		Server:        r.Server,
		ProbeError:    r.ProbeError,
	}
	if r.WifiName != nil {
		row.WifiName = bigquery.NullString{StringVal: *r.WifiName, Valid: true}
	}
	return row
}

// putter is the subset of *bigquery.Inserter used by BigQuery.
type putter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQuery streams records into a table. The record id is the insert id,
// which lets BigQuery drop duplicates on a best effort basis.
type BigQuery struct {
	client   *bigquery.Client
	inserter putter
}

// NewBigQuery returns a BigQuery sink for project.dataset.table.
func NewBigQuery(ctx context.Context, project, dataset, table string) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, err
	}
	return &BigQuery{
		client:   client,
		inserter: client.Dataset(dataset).Table(table).Inserter(),
	}, nil
}

// Deliver inserts r.
func (b *BigQuery) Deliver(ctx context.Context, r record.Record) (Outcome, error) {
	saver := &bigquery.StructSaver{Struct: NewRow(r), InsertID: r.ID}
	err := b.inserter.Put(ctx, saver)
	return classifyBigQuery(ctx, err), err
}

func classifyBigQuery(ctx context.Context, err error) Outcome {
	var (
		multiErr bigquery.PutMultiError
		apiErr   *googleapi.Error
	)
	switch {
	case err == nil:
		return Delivered
	case classifyContext(ctx, err):
		return Unreachable
	case errors.As(err, &multiErr), errors.As(err, &apiErr):
		return Rejected
	}
	return Unreachable
}

func (b *BigQuery) Name() string { return "bigquery" }

// Close closes the client.
func (b *BigQuery) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
