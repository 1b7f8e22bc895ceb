package record

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/speedtrack/internal/probe"
)

const megabit = 1e6

// errProbeUnavailable is recorded when a degenerate record is built without
// a specific probe error.
var errProbeUnavailable = errors.New("probe unavailable")

// NetworkLookup returns the identifier of the active network.
type NetworkLookup func(ctx context.Context) (string, error)

// Builder builds Records from probe results.
type Builder struct {
	layout string
	lookup NetworkLookup
	now    func() time.Time
	newID  func() string
}

// NewBuilder returns a Builder stamping records with layout precision and
// enriching them with lookup. lookup may be nil.
func NewBuilder(layout string, lookup NetworkLookup) *Builder {
	return &Builder{
		layout: layout,
		lookup: lookup,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Build returns a new Record for res. A nil res produces a degenerate record
// with zero measurements, so that a probe failure is itself recorded.
// probeErr, when not nil, is stored in the record.
func (b *Builder) Build(ctx context.Context, res *probe.Result, probeErr error) Record {
	r := Record{
		ID:       b.newID(),
		Measured: Truncate(b.now(), b.layout),
	}
	if res != nil {
		r.Download = res.Download
		r.Upload = res.Upload
		r.DownloadMb = res.Download / megabit
		r.UploadMb = res.Upload / megabit
		r.Ping = res.Ping
		r.BytesReceived = res.BytesReceived
		r.BytesSent = res.BytesSent
		r.Server = res.Server
	} else if probeErr == nil {
		probeErr = errProbeUnavailable
	}
	if probeErr != nil {
		r.ProbeError = probeErr.Error()
	}
	r.WifiName = b.networkName(ctx)

	log.Info("Record built", "id", r.ID, "measured", Format(r.Measured, b.layout),
		"download_mb", r.DownloadMb, "upload_mb", r.UploadMb, "wifi_name", deref(r.WifiName),
		"degenerate", r.Degenerate())
	return r
}

// networkName runs the lookup. Any failure leaves the name absent.
func (b *Builder) networkName(ctx context.Context) *string {
	if b.lookup == nil {
		return nil
	}
	name, err := b.lookup(ctx)
	if err != nil {
		log.Warn("Network name lookup failed", "error", err)
		return nil
	}
	return &name
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
