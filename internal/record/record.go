// Package record defines the measurement Record delivered to the remote
// store, the canonical timestamp layout and the Builder that turns raw probe
// output into Records.
package record

import "time"

// Record is one enriched throughput measurement. A Record is self-contained:
// it carries every field the stores need, so it can be replayed from the
// queue without any further lookup. Records are treated as immutable once
// built.
type Record struct {
	// ID identifies the record across retries. Stores use it to absorb
	// duplicates. Records queued by older agents may not have one.
	ID string `json:"id,omitempty" bson:"_id,omitempty"`
	// Measured is when the measurement was taken, UTC, truncated to the
	// precision of the canonical layout.
	Measured time.Time `json:"measured" bson:"measured"`

	// Download and Upload are goodputs in bits per second.
	Download float64 `json:"download" bson:"download"`
	Upload   float64 `json:"upload" bson:"upload"`
	// DownloadMb and UploadMb are the same goodputs in megabits per second.
	DownloadMb float64 `json:"download_mb" bson:"download_mb"`
	UploadMb   float64 `json:"upload_mb" bson:"upload_mb"`
	// Ping is the minimum RTT in milliseconds.
	Ping float64 `json:"ping" bson:"ping"`

	BytesReceived int64  `json:"bytes_received" bson:"bytes_received"`
	BytesSent     int64  `json:"bytes_sent" bson:"bytes_sent"`
	Server        string `json:"server" bson:"server"`

	// WifiName is the identifier of the active network, nil when it could
	// not be determined.
	WifiName *string `json:"wifi_name" bson:"wifi_name"`
	// ProbeError is set when the probe could not produce (all) data.
	ProbeError string `json:"probe_error,omitempty" bson:"probe_error,omitempty"`
}

// Degenerate reports whether r records a probe failure rather than a
// measurement.
func (r Record) Degenerate() bool {
	return r.Download == 0 && r.Upload == 0 && r.ProbeError != ""
}
