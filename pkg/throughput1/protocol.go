// Package throughput1 implements the client side of the M-Lab throughput1
// protocol: binary WebSocket messages carry the payload, text messages carry
// JSON-encoded measurements exchanged by both parties.
package throughput1

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtrack/pkg/throughput1/model"
	"github.com/m-lab/speedtrack/pkg/throughput1/spec"
)

type senderFunc func(ctx context.Context, tick <-chan time.Time,
	results chan<- model.WireMeasurement, errCh chan<- error)

// Protocol is the client side of a single throughput1 stream.
type Protocol struct {
	conn  *websocket.Conn
	rnd   *rand.Rand
	once  sync.Once
	start time.Time

	applicationBytesReceived atomic.Int64
	applicationBytesSent     atomic.Int64

	byteLimit int
}

// New returns a new Protocol with the specified connection and every other
// option set to default.
func New(conn *websocket.Conn) *Protocol {
	return &Protocol{
		conn: conn,
		// Seed randomness source with the current time.
		rnd: rand.New(rand.NewSource(time.Now().UnixMilli())),
	}
}

// SetByteLimit sets the number of bytes sent after which an upload will stop.
// Set the value to zero to disable the byte limit.
func (p *Protocol) SetByteLimit(value int) {
	p.byteLimit = value
}

// ApplicationBytesReceived returns the number of application-level bytes
// received so far.
func (p *Protocol) ApplicationBytesReceived() int64 {
	return p.applicationBytesReceived.Load()
}

// ApplicationBytesSent returns the number of application-level bytes sent so
// far.
func (p *Protocol) ApplicationBytesSent() int64 {
	return p.applicationBytesSent.Load()
}

// makePreparedMessage returns a websocket.PreparedMessage of the requested
// size filled with random bytes read from the Protocol's randomness source.
func (p *Protocol) makePreparedMessage(size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	p.rnd.Read(data)
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}

// SenderLoop starts an upload. The context's lifetime determines how long to
// run for. It returns one channel for the measurements sent by this client,
// one channel for the measurements received from the server and one channel
// for errors. The measurement channels may be ignored; the error channel
// must be drained by the caller.
func (p *Protocol) SenderLoop(ctx context.Context) (<-chan model.WireMeasurement,
	<-chan model.WireMeasurement, <-chan error) {
	return p.senderReceiverLoop(ctx, p.sender)
}

// ReceiverLoop starts a download. Return values are the same as SenderLoop's.
// While downloading, the client only sends periodic measurements
// (counterflow) to the server.
func (p *Protocol) ReceiverLoop(ctx context.Context) (<-chan model.WireMeasurement,
	<-chan model.WireMeasurement, <-chan error) {
	return p.senderReceiverLoop(ctx, p.sendCounterflow)
}

func (p *Protocol) senderReceiverLoop(ctx context.Context,
	send senderFunc) (<-chan model.WireMeasurement,
	<-chan model.WireMeasurement, <-chan error) {
	// In no case this method will run for longer than spec.MaxRuntime.
	deadline := time.Now().Add(spec.MaxRuntime)
	p.conn.SetWriteDeadline(deadline)
	p.conn.SetReadDeadline(deadline)
	p.start = time.Now()

	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinMeasureInterval,
		Expected: spec.AvgMeasureInterval,
		Max:      spec.MaxMeasureInterval,
	})
	// Intervals are constants, so this can only fail on a programming error.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")

	senderCh := make(chan model.WireMeasurement, 100)
	receiverCh := make(chan model.WireMeasurement, 100)
	errCh := make(chan error, 2)

	go p.receiver(ctx, receiverCh, errCh)
	go func() {
		defer ticker.Stop()
		send(ctx, ticker.C, senderCh, errCh)
	}()
	return senderCh, receiverCh, errCh
}

// receiver reads from the connection until NextReader fails. It returns
// the measurements received over the provided channel and updates the
// received byte counter.
func (p *Protocol) receiver(ctx context.Context,
	results chan<- model.WireMeasurement, errCh chan<- error) {
	for {
		kind, reader, err := p.conn.NextReader()
		if err != nil {
			errCh <- err
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			// Binary messages are discarded after reading their size.
			size, err := io.Copy(io.Discard, reader)
			if err != nil {
				errCh <- err
				return
			}
			p.applicationBytesReceived.Add(size)
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				errCh <- err
				return
			}
			p.applicationBytesReceived.Add(int64(len(data)))
			var m model.WireMeasurement
			if err := json.Unmarshal(data, &m); err != nil {
				errCh <- err
				return
			}
			select {
			case results <- m:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Protocol) sendWireMeasurement(ctx context.Context) (*model.WireMeasurement, error) {
	wm := model.WireMeasurement{}
	p.once.Do(func() {
		wm.LocalAddr = p.conn.LocalAddr().String()
		wm.RemoteAddr = p.conn.RemoteAddr().String()
	})
	wm.ElapsedTime = time.Since(p.start).Microseconds()
	wm.Application = model.ByteCounters{
		BytesSent:     p.applicationBytesSent.Load(),
		BytesReceived: p.applicationBytesReceived.Load(),
	}
	// Encode as JSON separately so we can read the message size before
	// sending.
	data, err := json.Marshal(wm)
	if err != nil {
		return nil, err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("Failed to write measurement", "error", err)
		return nil, err
	}
	p.applicationBytesSent.Add(int64(len(data)))
	return &wm, nil
}

func (p *Protocol) sendCounterflow(ctx context.Context, tick <-chan time.Time,
	results chan<- model.WireMeasurement, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			// Attempt to send a final measurement before closing. Errors
			// are irrelevant at this point.
			p.sendWireMeasurement(ctx)
			p.close(ctx)
			return
		case <-tick:
			wm, err := p.sendWireMeasurement(ctx)
			if err != nil {
				errCh <- err
				return
			}
			// Non-blocking in case nobody reads measurements.
			select {
			case results <- *wm:
			default:
			}
		}
	}
}

func (p *Protocol) sender(ctx context.Context, tick <-chan time.Time,
	results chan<- model.WireMeasurement, errCh chan<- error) {
	size := p.ScaleMessage(spec.MinMessageSize, 0)
	message, err := p.makePreparedMessage(size)
	if err != nil {
		errCh <- err
		return
	}

	// Binary and text messages share the same socket, so measurements are
	// only sent between two binary writes.
	for {
		select {
		case <-ctx.Done():
			p.sendWireMeasurement(ctx)
			p.close(ctx)
			return
		case <-tick:
			wm, err := p.sendWireMeasurement(ctx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case results <- *wm:
			default:
			}
		default:
			if err := p.conn.WritePreparedMessage(message); err != nil {
				errCh <- err
				return
			}
			p.applicationBytesSent.Add(int64(size))

			bytesSent := int(p.applicationBytesSent.Load())
			if p.byteLimit > 0 && bytesSent >= p.byteLimit {
				if _, err := p.sendWireMeasurement(ctx); err != nil {
					errCh <- err
					return
				}
				p.close(ctx)
				return
			}

			// Scale the message once it is small compared to the bytes
			// sent so far.
			if size >= spec.MaxScaledMessageSize || size > bytesSent/spec.ScalingFraction {
				size = p.ScaleMessage(size, bytesSent)
				continue
			}

			size = p.ScaleMessage(size*2, bytesSent)
			message, err = p.makePreparedMessage(size)
			if err != nil {
				errCh <- err
				return
			}
		}
	}
}

// ScaleMessage returns msgSize reduced so that sending it does not exceed the
// byte limit.
func (p *Protocol) ScaleMessage(msgSize int, bytesSent int) int {
	excess := bytesSent + msgSize - p.byteLimit
	if p.byteLimit > 0 && excess > 0 {
		msgSize -= excess
	}
	return msgSize
}

func (p *Protocol) close(ctx context.Context) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done sending")
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil {
		log.Debug("WriteControl failed", "error", err)
		return
	}
	// The closing message is part of the measurement.
	p.applicationBytesSent.Add(int64(len(msg)))
}
