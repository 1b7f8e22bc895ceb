package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/m-lab/speedtrack/pkg/client"
	"github.com/m-lab/speedtrack/pkg/throughput1/spec"
)

type fakeClient struct {
	locateErr error
	download  client.Result
	downErr   error
	upload    client.Result
	upErr     error
}

func (f *fakeClient) Locate(context.Context) error { return f.locateErr }
func (f *fakeClient) Download(context.Context) (client.Result, error) {
	return f.download, f.downErr
}
func (f *fakeClient) Upload(context.Context) (client.Result, error) {
	return f.upload, f.upErr
}

func TestThroughput(t *testing.T) {
	tests := []struct {
		name     string
		client   *fakeClient
		wantInit bool
		want     Result
	}{
		{
			name: "both subtests succeed",
			client: &fakeClient{
				download: client.Result{Subtest: spec.SubtestDownload, Goodput: 50e6,
					Bytes: 31250000, MinRTT: 12000, Server: "mlab1"},
				upload: client.Result{Subtest: spec.SubtestUpload, Goodput: 10e6,
					Bytes: 6250000, MinRTT: 9000, Server: "mlab1"},
			},
			wantInit: true,
			want: Result{Download: 50e6, Upload: 10e6, Ping: 9,
				BytesReceived: 31250000, BytesSent: 6250000, Server: "mlab1"},
		},
		{
			name: "download fails, upload still measured",
			client: &fakeClient{
				downErr: errors.New("connection reset"),
				upload:  client.Result{Goodput: 10e6, Bytes: 100, Server: "mlab2"},
			},
			wantInit: true,
			want:     Result{Upload: 10e6, BytesSent: 100, Server: "mlab2"},
		},
		{
			name:   "locate fails",
			client: &fakeClient{locateErr: errors.New("offline")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Throughput{client: tt.client}
			err := p.Initialize(context.Background())
			if (err == nil) != tt.wantInit {
				t.Fatalf("Initialize() error = %v, wantInit %v", err, tt.wantInit)
			}
			if !tt.wantInit {
				if _, err := p.MeasureDownstream(context.Background()); !errors.Is(err, ErrNotInitialized) {
					t.Errorf("MeasureDownstream() before Initialize = %v, want ErrNotInitialized", err)
				}
				return
			}
			down, downErr := p.MeasureDownstream(context.Background())
			up, upErr := p.MeasureUpstream(context.Background())
			if (downErr != nil) != (tt.client.downErr != nil) || (upErr != nil) != (tt.client.upErr != nil) {
				t.Errorf("unexpected errors: download %v, upload %v", downErr, upErr)
			}
			if down != tt.want.Download || up != tt.want.Upload {
				t.Errorf("rates = %f/%f, want %f/%f", down, up, tt.want.Download, tt.want.Upload)
			}
			if got := p.LastResult(); got != tt.want {
				t.Errorf("LastResult() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestThroughput_InitializeResets(t *testing.T) {
	p := &Throughput{client: &fakeClient{download: client.Result{Goodput: 1, Bytes: 1}}}
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.MeasureDownstream(context.Background())
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := p.LastResult(); got != (Result{}) {
		t.Errorf("LastResult() after Initialize = %+v, want zero", got)
	}
}
