package model

// WireMeasurement is a wrapper for Measurement structs that contains
// information about this TCP stream that does not need to be sent every time.
// Every field except for Measurement is only expected to be non-empty once.
type WireMeasurement struct {
	// CC is the congestion control used by the sender of this WireMeasurement.
	CC string `json:",omitempty"`
	// UUID is the unique identifier for this TCP stream.
	UUID string `json:",omitempty"`
	// LocalAddr is the local TCP endpoint (ip:port).
	LocalAddr string `json:",omitempty"`
	// RemoteAddr is the remote TCP endpoint (ip:port).
	RemoteAddr string `json:",omitempty"`
	// Measurement is the Measurement struct wrapped by this WireMeasurement.
	Measurement
}

// Measurement contains the counters exchanged by client and server while a
// stream is running. It is sent as a JSON text message.
type Measurement struct {
	// Application contains the application-level BytesSent/Received pair.
	Application ByteCounters

	// ElapsedTime is the time elapsed since the start of the measurement
	// according to the party sending this Measurement, in microseconds.
	ElapsedTime int64 `json:",omitempty"`

	// TCPInfo is only sent by servers that can read TCP_INFO for the
	// connection. Clients never populate it.
	TCPInfo *TCPInfo `json:",omitempty"`
}

// ByteCounters is a BytesSent/BytesReceived pair.
type ByteCounters struct {
	// BytesSent is the number of bytes sent.
	BytesSent int64 `json:",omitempty"`

	// BytesReceived is the number of bytes received.
	BytesReceived int64 `json:",omitempty"`
}

// TCPInfo is the subset of the kernel's TCP_INFO reported by the server that
// the client uses. Times are in microseconds.
type TCPInfo struct {
	RTT           uint32 `json:",omitempty"`
	MinRTT        uint32 `json:",omitempty"`
	BytesAcked    int64  `json:",omitempty"`
	BytesReceived int64  `json:",omitempty"`
	ElapsedTime   int64  `json:",omitempty"`
}
