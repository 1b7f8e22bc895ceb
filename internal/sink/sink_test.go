package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-lab/speedtrack/internal/record"
)

func testRecord() record.Record {
	name := "home"
	return record.Record{
		ID:         "rec-1",
		Measured:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Download:   2.5e7,
		Upload:     5e6,
		DownloadMb: 25,
		UploadMb:   5,
		Ping:       12,
		Server:     "mlab1-mil04.mlab-oti.measurement-lab.org",
		WifiName:   &name,
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Delivered, "delivered"},
		{Rejected, "rejected"},
		{Unreachable, "unreachable"},
		{Outcome(9), "outcome(9)"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome.String() = %s, want %s", got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{
			name:     "mongodb is the default",
			cfg:      Config{ConnectionString: "mongodb://localhost:27017", DBName: "db", CollectionName: "c"},
			wantName: "mongodb",
		},
		{
			name:     "postgres",
			cfg:      Config{Store: "postgres", ConnectionString: "postgres://localhost/db", CollectionName: "c"},
			wantName: "postgres",
		},
		{
			name:    "invalid mongodb uri",
			cfg:     Config{Store: "mongodb", ConnectionString: "not-a-uri"},
			wantErr: true,
		},
		{
			name:    "unknown store",
			cfg:     Config{Store: "redis"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer s.Close(context.Background())
			if s.Name() != tt.wantName {
				t.Errorf("New() name = %s, want %s", s.Name(), tt.wantName)
			}
		})
	}
	if _, err := New(context.Background(), Config{Store: "redis"}); !errors.Is(err, ErrUnknownStore) {
		t.Errorf("New() error = %v, want ErrUnknownStore", err)
	}
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("no credentials")
	u := &Unavailable{Store: "bigquery", Err: cause}
	o, err := u.Deliver(context.Background(), testRecord())
	if o != Unreachable || !errors.Is(err, cause) {
		t.Errorf("Deliver() = %v, %v", o, err)
	}
	if u.Name() != "bigquery" || u.Close(context.Background()) != nil {
		t.Errorf("unexpected Name/Close")
	}
}
