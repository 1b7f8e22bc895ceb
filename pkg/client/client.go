package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/speedtrack/pkg/throughput1"
	"github.com/m-lab/speedtrack/pkg/throughput1/model"
	"github.com/m-lab/speedtrack/pkg/throughput1/spec"
	"github.com/m-lab/speedtrack/pkg/version"
	"github.com/m-lab/uuid"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the client
	// for the WebSocket handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	// DefaultStreams is the default number of streams for a new client.
	DefaultStreams = 2

	// DefaultLength is the default test duration for a new client.
	DefaultLength = 5 * time.Second

	// DefaultScheme is the default WebSocket scheme for a new Client.
	DefaultScheme = "wss"

	libraryName = "speedtrack-client"
)

var (
	// ErrNoTargets is returned if all Locate targets have been tried.
	ErrNoTargets = errors.New("no targets available")

	// ErrNoData is returned when a subtest ends without transferring any
	// application bytes.
	ErrNoData = errors.New("no data transferred")

	libraryVersion = version.Version
)

// newDialer returns a websocket.Dialer that logs the M-Lab UUID of every TCP
// connection it establishes, so that client-side logs can be joined with the
// server-side archive.
func newDialer(noVerify bool) *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				if id, err := uuid.FromTCPConn(tcp); err == nil {
					log.Debug("TCP connection established", "uuid", id, "addr", addr)
				}
			}
			return conn, nil
		},
		TLSClientConfig: &tls.Config{InsecureSkipVerify: noVerify},
	}
}

// Locator is an interface used to get a list of available servers to test against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Throughput1Client is a client for the throughput1 protocol.
type Throughput1Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config Config

	dialer  *websocket.Dialer
	locator Locator

	// targets and tIndex cache the results from the Locate API.
	targets []v2.Target
	tIndex  map[string]int

	// recvByteCounters is a map of stream IDs to number of bytes, used to compute the goodput.
	// A new byte count is appended every time the client sees a receiver-side Measurement.
	recvByteCounters map[int][]int64
	// minRTT is the smallest MinRTT reported by the server, in microseconds.
	minRTT       uint32
	countersLock sync.Mutex
}

// Result contains the aggregate metrics collected during a subtest.
type Result struct {
	// Subtest is the kind of subtest that produced this result.
	Subtest spec.SubtestKind
	// Goodput is the average number of application-level bits per second
	// transferred across all the streams.
	Goodput float64
	// Bytes is the number of application-level bytes transferred across all
	// the streams.
	Bytes int64
	// Elapsed is the total time elapsed since the subtest started.
	Elapsed time.Duration
	// MinRTT is the minimum of MinRTT values observed across all the streams,
	// in microseconds. Zero if the server did not report it.
	MinRTT uint32
	// Server is the host the subtest ran against.
	Server string
	// Streams is the number of streams used.
	Streams int
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Throughput1Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Throughput1Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Emitter == nil {
		config.Emitter = LogEmitter{}
	}
	if config.Scheme == "" {
		config.Scheme = DefaultScheme
	}
	if config.NumStreams <= 0 {
		config.NumStreams = DefaultStreams
	}
	if config.Length <= 0 {
		config.Length = DefaultLength
	}
	return &Throughput1Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config: config,
		dialer: newDialer(config.NoVerify),

		locator: locate.NewClient(makeUserAgent(clientName, clientVersion)),

		tIndex:           map[string]int{},
		recvByteCounters: map[int][]int64{},
	}
}

// Config returns a copy of this client's configuration.
func (c *Throughput1Client) Config() Config {
	return c.config
}

func (c *Throughput1Client) connect(ctx context.Context, serviceURL *url.URL) (*websocket.Conn, error) {
	q := serviceURL.Query()
	q.Set("streams", fmt.Sprint(c.config.NumStreams))
	q.Set("cc", c.config.CongestionControl)
	q.Set("duration", fmt.Sprintf("%d", c.config.Length.Milliseconds()))
	q.Set("client_arch", runtime.GOARCH)
	q.Set("client_library_name", libraryName)
	q.Set("client_library_version", libraryVersion)
	q.Set("client_os", runtime.GOOS)
	q.Set("client_name", c.ClientName)
	q.Set("client_version", c.ClientVersion)
	if c.config.BytesLimit > 0 {
		q.Set("bytes", fmt.Sprint(c.config.BytesLimit))
	}
	serviceURL.RawQuery = q.Encode()
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	headers.Add("User-Agent", makeUserAgent(c.ClientName, c.ClientVersion))
	conn, _, err := c.dialer.DialContext(ctx, serviceURL.String(), headers)
	return conn, err
}

// Locate resets the target cache and, unless a server has been configured,
// queries the Locator for the nearest targets. It returns an error if no
// target can be used for the next subtests.
func (c *Throughput1Client) Locate(ctx context.Context) error {
	c.targets = nil
	c.tIndex = map[string]int{}
	if c.config.Server != "" {
		return nil
	}
	targets, err := c.locator.Nearest(ctx, spec.ServiceName)
	if err != nil {
		return fmt.Errorf("locate %s: %w", spec.ServiceName, err)
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}
	c.targets = targets
	return nil
}

// nextURLFromLocate returns the next URL to try from the Locate API.
// If it's the first time we're calling this function, it contacts the Locate
// API. Subsequently, it returns the next URL from the cache.
// If there are no more URLs to try, it returns an error.
func (c *Throughput1Client) nextURLFromLocate(ctx context.Context, p string) (string, error) {
	if len(c.targets) == 0 {
		if err := c.Locate(ctx); err != nil {
			return "", err
		}
	}
	// The index to access the next URL (tIndex[k]) is per-path rather than global.
	k := c.config.Scheme + "://" + p
	for c.tIndex[k] < len(c.targets) {
		r := c.targets[c.tIndex[k]].URLs[k]
		c.tIndex[k]++
		if r != "" {
			return r, nil
		}
	}
	return "", ErrNoTargets
}

// serviceURL returns the URL to use for the given subtest, either built from
// the configured server or taken from the Locate API.
func (c *Throughput1Client) serviceURL(ctx context.Context, subtest spec.SubtestKind) (*url.URL, error) {
	if c.config.Server != "" {
		c.config.Emitter.OnDebug(fmt.Sprintf("using configured server %s", c.config.Server))
		mURL := &url.URL{
			Scheme: c.config.Scheme,
			Host:   c.config.Server,
			Path:   getPathForSubtest(subtest),
		}
		q := mURL.Query()
		q.Set("mid", c.config.MeasurementID)
		mURL.RawQuery = q.Encode()
		return mURL, nil
	}
	c.config.Emitter.OnDebug("using locate")
	urlStr, err := c.nextURLFromLocate(ctx, getPathForSubtest(subtest))
	if err != nil {
		return nil, err
	}
	return url.Parse(urlStr)
}

func (c *Throughput1Client) start(ctx context.Context, subtest spec.SubtestKind) (Result, error) {
	mURL, err := c.serviceURL(ctx, subtest)
	if err != nil {
		return Result{Subtest: subtest}, err
	}

	wg := &sync.WaitGroup{}
	globalTimeout, cancel := context.WithTimeout(ctx, c.config.Length)
	defer cancel()

	c.resetCounters()
	globalStartTime := time.Now()

	errs := make([]error, c.config.NumStreams)
	for i := 0; i < c.config.NumStreams; i++ {
		streamID := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[streamID] = c.runStream(globalTimeout, streamID, mURL, subtest)
			if errs[streamID] != nil {
				c.config.Emitter.OnError(errs[streamID])
			}
		}()

		if c.config.Delay > 0 {
			select {
			case <-globalTimeout.Done():
			case <-time.After(c.config.Delay):
			}
		}
	}
	wg.Wait()

	result := c.result(subtest, globalStartTime, mURL.Host)
	c.config.Emitter.OnResult(result)
	if result.Bytes == 0 {
		if err := errors.Join(errs...); err != nil {
			return result, err
		}
		return result, ErrNoData
	}
	return result, nil
}

func (c *Throughput1Client) runStream(ctx context.Context, streamID int, mURL *url.URL,
	subtest spec.SubtestKind) error {
	c.config.Emitter.OnStart(mURL.Host, subtest)
	conn, err := c.connect(ctx, mURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.config.Emitter.OnConnect(mURL.String())

	proto := throughput1.New(conn)
	proto.SetByteLimit(c.config.BytesLimit)

	var clientCh, serverCh <-chan model.WireMeasurement
	var errCh <-chan error
	switch subtest {
	case spec.SubtestDownload:
		clientCh, serverCh, errCh = proto.ReceiverLoop(ctx)
	case spec.SubtestUpload:
		clientCh, serverCh, errCh = proto.SenderLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			// While downloading, the local counter is authoritative and
			// more recent than the last periodic measurement.
			if subtest == spec.SubtestDownload {
				c.storeBytes(streamID, proto.ApplicationBytesReceived())
			}
			c.config.Emitter.OnStreamComplete(streamID, mURL.Host)
			return nil
		case m := <-clientCh:
			c.config.Emitter.OnMeasurement(streamID, m)
			if subtest == spec.SubtestDownload {
				c.storeBytes(streamID, m.Application.BytesReceived)
			}
		case m := <-serverCh:
			c.config.Emitter.OnMeasurement(streamID, m)
			c.storeRTT(m)
			if subtest == spec.SubtestUpload {
				c.storeBytes(streamID, m.Application.BytesReceived)
			}
		case err := <-errCh:
			if subtest == spec.SubtestDownload {
				c.storeBytes(streamID, proto.ApplicationBytesReceived())
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.config.Emitter.OnStreamComplete(streamID, mURL.Host)
				return nil
			}
			return err
		}
	}
}

func (c *Throughput1Client) resetCounters() {
	c.countersLock.Lock()
	defer c.countersLock.Unlock()
	c.recvByteCounters = map[int][]int64{}
	c.minRTT = 0
}

func (c *Throughput1Client) storeBytes(streamID int, bytes int64) {
	c.countersLock.Lock()
	defer c.countersLock.Unlock()
	c.recvByteCounters[streamID] = append(c.recvByteCounters[streamID], bytes)
}

func (c *Throughput1Client) storeRTT(m model.WireMeasurement) {
	if m.TCPInfo == nil || m.TCPInfo.MinRTT == 0 {
		return
	}
	c.countersLock.Lock()
	defer c.countersLock.Unlock()
	if c.minRTT == 0 || m.TCPInfo.MinRTT < c.minRTT {
		c.minRTT = m.TCPInfo.MinRTT
	}
}

// result aggregates the per-stream counters into a Result.
func (c *Throughput1Client) result(subtest spec.SubtestKind, start time.Time, server string) Result {
	c.countersLock.Lock()
	defer c.countersLock.Unlock()
	var sum int64
	for _, bytes := range c.recvByteCounters {
		if len(bytes) > 0 {
			sum += bytes[len(bytes)-1]
		}
	}
	elapsed := time.Since(start)
	r := Result{
		Subtest: subtest,
		Bytes:   sum,
		Elapsed: elapsed,
		MinRTT:  c.minRTT,
		Server:  server,
		Streams: c.config.NumStreams,
	}
	if elapsed > 0 {
		r.Goodput = float64(sum) / elapsed.Seconds() * 8 // bps
	}
	return r
}

// Download runs a download test using the settings configured for this client.
func (c *Throughput1Client) Download(ctx context.Context) (Result, error) {
	return c.start(ctx, spec.SubtestDownload)
}

// Upload runs an upload test using the settings configured for this client.
func (c *Throughput1Client) Upload(ctx context.Context) (Result, error) {
	return c.start(ctx, spec.SubtestUpload)
}

func getPathForSubtest(subtest spec.SubtestKind) string {
	switch subtest {
	case spec.SubtestDownload:
		return spec.DownloadPath
	case spec.SubtestUpload:
		return spec.UploadPath
	default:
		panic(fmt.Sprintf("invalid subtest: %s", subtest))
	}
}
