package sink

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type fakeCollection struct {
	err  error
	docs []interface{}
}

func (f *fakeCollection) InsertOne(ctx context.Context, document interface{},
	opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, document)
	return &mongo.InsertOneResult{}, nil
}

func TestMongo_Deliver(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Outcome
	}{
		{name: "inserted", want: Delivered},
		{
			name: "duplicate key",
			err: mongo.WriteException{WriteErrors: []mongo.WriteError{
				{Code: 11000, Message: "E11000 duplicate key error"}}},
			want: Delivered,
		},
		{
			name: "validation failure",
			err: mongo.WriteException{WriteErrors: []mongo.WriteError{
				{Code: 121, Message: "Document failed validation"}}},
			want: Rejected,
		},
		{
			name: "unauthorized",
			err:  mongo.CommandError{Code: 13, Message: "not authorized"},
			want: Rejected,
		},
		{name: "unacknowledged", err: mongo.ErrUnacknowledgedWrite, want: Rejected},
		{
			name: "network error",
			err:  mongo.CommandError{Code: 6, Labels: []string{"NetworkError"}},
			want: Unreachable,
		},
		{name: "server selection", err: errors.New("server selection error"), want: Unreachable},
		{name: "deadline", err: context.DeadlineExceeded, want: Unreachable},
		{name: "canceled", ctx: canceled, err: errors.New("operation aborted"), want: Unreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			coll := &fakeCollection{err: tt.err}
			m := &Mongo{collection: coll}
			got, err := m.Deliver(ctx, testRecord())
			if got != tt.want {
				t.Errorf("Deliver() = %v, want %v", got, tt.want)
			}
			if (err != nil) != (tt.err != nil) {
				t.Errorf("Deliver() error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestMongo_DocumentLayout(t *testing.T) {
	r := testRecord()
	data, err := bson.Marshal(r)
	if err != nil {
		t.Fatalf("bson.Marshal() error: %v", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		t.Fatalf("bson.Unmarshal() error: %v", err)
	}
	if doc["_id"] != "rec-1" || doc["wifi_name"] != "home" || doc["download_mb"] != 25.0 {
		t.Errorf("unexpected document: %v", doc)
	}
	if _, ok := doc["probe_error"]; ok {
		t.Errorf("empty probe_error was stored")
	}

	r.ID = ""
	r.WifiName = nil
	data, err = bson.Marshal(r)
	if err != nil {
		t.Fatalf("bson.Marshal() error: %v", err)
	}
	doc = bson.M{}
	if err := bson.Unmarshal(data, &doc); err != nil {
		t.Fatalf("bson.Unmarshal() error: %v", err)
	}
	if _, ok := doc["_id"]; ok {
		t.Errorf("empty id was stored, the server must assign one")
	}
	if v, ok := doc["wifi_name"]; !ok || v != nil {
		t.Errorf("wifi_name = %v, want null", v)
	}
}

func TestMongo_Close(t *testing.T) {
	if err := (&Mongo{}).Close(context.Background()); err != nil {
		t.Errorf("Close() without a client error: %v", err)
	}
}
