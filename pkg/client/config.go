package client

import (
	"time"
)

// Config is the configuration for a Client.
type Config struct {
	// Server is the server to connect to (host:port). If empty, the server is
	// obtained by querying the Locate API.
	Server string

	// Scheme is the WebSocket scheme used to connect to the server (ws or
	// wss). Defaults to DefaultScheme.
	Scheme string

	// NumStreams is the number of streams that will be spawned by this client
	// to run a download or an upload test. Defaults to DefaultStreams.
	NumStreams int

	// Length is the duration of each subtest. Defaults to DefaultLength.
	Length time.Duration

	// Delay is the delay between the start of each stream.
	Delay time.Duration

	// CongestionControl is the congestion control algorithm to request from the server.
	CongestionControl string

	// MeasurementID is the measurement ID ("mid") to pass to the server when
	// the server is configured explicitly.
	MeasurementID string

	// Emitter receives progress events. Defaults to LogEmitter.
	Emitter Emitter

	// NoVerify disables the TLS certificate verification.
	NoVerify bool

	// BytesLimit is the maximum number of bytes to download or upload. If set
	// to 0, the limit is disabled.
	BytesLimit int
}
