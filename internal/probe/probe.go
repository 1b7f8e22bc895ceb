// Package probe measures network throughput. The Probe interface is what the
// pipeline depends on; Throughput implements it with an M-Lab throughput1
// client.
package probe

import (
	"context"
	"errors"

	"github.com/m-lab/speedtrack/pkg/client"
)

// ErrNotInitialized is returned by measurements attempted before a
// successful Initialize.
var ErrNotInitialized = errors.New("probe not initialized")

// Result is the raw output of one download/upload measurement.
type Result struct {
	// Download and Upload are goodputs in bits per second.
	Download float64
	Upload   float64
	// Ping is the minimum RTT observed, in milliseconds.
	Ping float64
	// BytesReceived and BytesSent are application-level byte counts of the
	// download and upload respectively.
	BytesReceived int64
	BytesSent     int64
	// Server is the host the measurement ran against.
	Server string
}

// Probe performs throughput measurements. Downstream and upstream are
// measured independently: a failure in one does not prevent the other.
type Probe interface {
	Initialize(ctx context.Context) error
	MeasureDownstream(ctx context.Context) (float64, error)
	MeasureUpstream(ctx context.Context) (float64, error)
	LastResult() Result
}

// throughputClient is the subset of *client.Throughput1Client used by
// Throughput.
type throughputClient interface {
	Locate(ctx context.Context) error
	Download(ctx context.Context) (client.Result, error)
	Upload(ctx context.Context) (client.Result, error)
}

// Throughput is a Probe backed by a throughput1 client.
type Throughput struct {
	client      throughputClient
	initialized bool
	result      Result
}

// NewThroughput returns a Throughput probe using c.
func NewThroughput(c *client.Throughput1Client) *Throughput {
	return &Throughput{client: c}
}

// Initialize resolves the servers to measure against and clears the previous
// result.
func (t *Throughput) Initialize(ctx context.Context) error {
	t.initialized = false
	t.result = Result{}
	if err := t.client.Locate(ctx); err != nil {
		return err
	}
	t.initialized = true
	return nil
}

// MeasureDownstream runs a download and returns its goodput in bits/s.
func (t *Throughput) MeasureDownstream(ctx context.Context) (float64, error) {
	if !t.initialized {
		return 0, ErrNotInitialized
	}
	res, err := t.client.Download(ctx)
	t.merge(res)
	if err != nil {
		return 0, err
	}
	t.result.Download = res.Goodput
	t.result.BytesReceived = res.Bytes
	return res.Goodput, nil
}

// MeasureUpstream runs an upload and returns its goodput in bits/s.
func (t *Throughput) MeasureUpstream(ctx context.Context) (float64, error) {
	if !t.initialized {
		return 0, ErrNotInitialized
	}
	res, err := t.client.Upload(ctx)
	t.merge(res)
	if err != nil {
		return 0, err
	}
	t.result.Upload = res.Goodput
	t.result.BytesSent = res.Bytes
	return res.Goodput, nil
}

// merge keeps the smallest RTT and the first server seen across subtests.
func (t *Throughput) merge(res client.Result) {
	if res.MinRTT > 0 {
		ping := float64(res.MinRTT) / 1000
		if t.result.Ping == 0 || ping < t.result.Ping {
			t.result.Ping = ping
		}
	}
	if t.result.Server == "" {
		t.result.Server = res.Server
	}
}

// LastResult returns the result accumulated since the last Initialize.
func (t *Throughput) LastResult() Result {
	return t.result
}

var _ Probe = (*Throughput)(nil)
