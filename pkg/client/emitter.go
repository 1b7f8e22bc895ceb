package client

import (
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/speedtrack/pkg/throughput1/model"
	"github.com/m-lab/speedtrack/pkg/throughput1/spec"
)

// Emitter is an interface for emitting progress events.
type Emitter interface {
	// OnStart is called when a stream starts.
	OnStart(server string, kind spec.SubtestKind)
	// OnConnect is called when the WebSocket connection is established.
	OnConnect(server string)
	// OnMeasurement is called on received Measurement objects.
	OnMeasurement(id int, m model.WireMeasurement)
	// OnResult is called when the aggregate result of a subtest is ready.
	OnResult(Result)
	// OnError is called on errors.
	OnError(err error)
	// OnStreamComplete is called after a stream completes.
	OnStreamComplete(streamID int, server string)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// LogEmitter reports progress through the process-wide structured logger.
// Per-measurement events are logged at debug level.
type LogEmitter struct{}

// OnStart logs the subtest and server hostname.
func (LogEmitter) OnStart(server string, kind spec.SubtestKind) {
	log.Debug("Starting stream", "subtest", kind, "server", server)
}

// OnConnect logs the established connection.
func (LogEmitter) OnConnect(server string) {
	log.Debug("Connected", "url", server)
}

// OnMeasurement logs the application-level counters.
func (LogEmitter) OnMeasurement(id int, m model.WireMeasurement) {
	log.Debug("Measurement", "stream", id,
		"sent", m.Application.BytesSent, "received", m.Application.BytesReceived)
}

// OnResult logs the aggregate result.
func (LogEmitter) OnResult(r Result) {
	log.Info("Subtest complete", "subtest", r.Subtest, "server", r.Server,
		"mbps", r.Goodput/1e6, "bytes", r.Bytes, "elapsed", r.Elapsed,
		"minrtt_ms", float64(r.MinRTT)/1000)
}

// OnError logs errors other than a normal WebSocket closure.
func (LogEmitter) OnError(err error) {
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		log.Warn("Stream failed", "error", err)
	}
}

// OnStreamComplete logs the end of a stream.
func (LogEmitter) OnStreamComplete(streamID int, server string) {
	log.Debug("Stream complete", "stream", streamID, "server", server)
}

// OnDebug logs debug information.
func (LogEmitter) OnDebug(msg string) {
	log.Debug(msg)
}

// Checks that LogEmitter implements Emitter.
var _ Emitter = LogEmitter{}
