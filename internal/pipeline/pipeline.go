// Package pipeline runs one speedtrack cycle: replay the durable queue
// against the remote store, take a new measurement and deliver it, queueing
// whatever could not be delivered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/m-lab/speedtrack/internal/metrics"
	"github.com/m-lab/speedtrack/internal/persistence"
	"github.com/m-lab/speedtrack/internal/probe"
	"github.com/m-lab/speedtrack/internal/queue"
	"github.com/m-lab/speedtrack/internal/record"
	"github.com/m-lab/speedtrack/internal/sink"
)

// Phases, as reported in logs and metrics.
const (
	PhaseStartup = "startup"
	PhaseDrain   = "drain"
	PhaseMeasure = "measure"
)

// archiveDatatype names the directory under Options.ArchiveDir.
const archiveDatatype = "speedtrack"

// Queue is the durable queue the Controller replays and appends to.
type Queue interface {
	Lock() error
	Unlock() error
	Drain() ([]record.Record, error)
	Append(records ...record.Record) error
	Settle(stillFailed []record.Record) error
	Len() (int, error)
}

// Builder turns probe output into records.
type Builder interface {
	Build(ctx context.Context, res *probe.Result, probeErr error) record.Record
}

// Options bounds the external calls made by the Controller.
type Options struct {
	// MeasureTimeout bounds Initialize and each subtest.
	MeasureTimeout time.Duration
	// DeliveryTimeout bounds each delivery attempt.
	DeliveryTimeout time.Duration
	// Layout formats timestamps in logs.
	Layout string
	// ArchiveDir, when set, receives a local copy of every new record.
	ArchiveDir string
}

// Controller runs pipeline cycles. A Controller must not be used for
// concurrent runs; the queue lock guards against other processes.
type Controller struct {
	probe   probe.Probe
	builder Builder
	sink    sink.Sink
	queue   Queue
	opts    Options
}

// New returns a Controller. p may be nil, in which case every run records
// the probe as unavailable.
func New(p probe.Probe, b Builder, s sink.Sink, q Queue, opts Options) *Controller {
	if opts.Layout == "" {
		opts.Layout = record.DefaultLayout
	}
	return &Controller{probe: p, builder: b, sink: s, queue: q, opts: opts}
}

// Run performs one cycle. Delivery failures are never returned: the
// affected records are queued instead. Run only fails when the queue itself
// cannot be used.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.queue.Lock(); err != nil {
		log.Error("Cannot lock the queue, skipping this run", "error", err)
		return err
	}
	defer func() {
		if err := c.queue.Unlock(); err != nil {
			log.Warn("Cannot unlock the queue", "error", err)
		}
	}()

	var errs []error
	initErr := c.initialize(ctx)
	if initErr != nil {
		// A probe that cannot start is itself recorded.
		r := c.builder.Build(ctx, nil, initErr)
		errs = append(errs, c.handle(ctx, PhaseStartup, r))
	}

	errs = append(errs, c.drain(ctx))

	if initErr == nil {
		errs = append(errs, c.measure(ctx))
	}

	c.updateQueueLength()
	metrics.LastRun.SetToCurrentTime()
	return errors.Join(errs...)
}

func (c *Controller) initialize(ctx context.Context) error {
	if c.probe == nil {
		return probe.ErrNotInitialized
	}
	ctx, cancel := c.withTimeout(ctx, c.opts.MeasureTimeout)
	defer cancel()
	if err := c.probe.Initialize(ctx); err != nil {
		metrics.ProbeFailures.WithLabelValues("initialize").Inc()
		log.Error("Probe initialization failed", "error", err)
		return err
	}
	return nil
}

// drain replays the queue, newest record first, and settles it with the
// records that still failed, in their original order.
func (c *Controller) drain(ctx context.Context) error {
	records, err := c.queue.Drain()
	if errors.Is(err, queue.ErrCorrupt) {
		log.Error("Queue is corrupt, skipping the drain phase", "error", err)
		return nil
	}
	if err != nil {
		log.Error("Cannot read the queue, skipping the drain phase", "error", err)
		return err
	}
	if len(records) == 0 {
		log.Debug("Queue is empty")
		return nil
	}
	log.Info("Draining queue", "pending", len(records))

	failed := make([]bool, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		failed[i] = !c.deliver(ctx, PhaseDrain, records[i])
	}
	var stillFailed []record.Record
	for i, r := range records {
		if failed[i] {
			stillFailed = append(stillFailed, r)
		}
	}
	if err := c.queue.Settle(stillFailed); err != nil {
		log.Error("Cannot settle the queue", "error", err, "still_failed", len(stillFailed))
		return fmt.Errorf("settle: %w", err)
	}
	log.Info("Queue drained", "delivered", len(records)-len(stillFailed),
		"still_failed", len(stillFailed))
	return nil
}

// measure runs both subtests independently and delivers the new record.
func (c *Controller) measure(ctx context.Context) error {
	var errs []error
	subtests := []struct {
		name string
		run  func(context.Context) (float64, error)
	}{
		{"download", c.probe.MeasureDownstream},
		{"upload", c.probe.MeasureUpstream},
	}
	for _, st := range subtests {
		sctx, cancel := c.withTimeout(ctx, c.opts.MeasureTimeout)
		rate, err := st.run(sctx)
		cancel()
		if err != nil {
			metrics.ProbeFailures.WithLabelValues(st.name).Inc()
			log.Warn("Measurement failed", "subtest", st.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		log.Info("Measurement completed", "subtest", st.name, "mbps", rate/1e6)
	}
	res := c.probe.LastResult()
	r := c.builder.Build(ctx, &res, errors.Join(errs...))
	return c.handle(ctx, PhaseMeasure, r)
}

// handle archives a new record, then delivers or queues it.
func (c *Controller) handle(ctx context.Context, phase string, r record.Record) error {
	if c.opts.ArchiveDir != "" {
		df, err := persistence.WriteDataFile(c.opts.ArchiveDir, archiveDatatype, r.ID, r.Measured, r)
		if err != nil {
			log.Warn("Cannot archive record", "id", r.ID, "error", err)
		} else {
			log.Debug("Record archived", "id", r.ID, "path", df.Path)
		}
	}
	if c.deliver(ctx, phase, r) {
		return nil
	}
	if err := c.queue.Append(r); err != nil {
		log.Error("Cannot queue undelivered record, record lost", "phase", phase,
			"id", r.ID, "measured", record.Format(r.Measured, c.opts.Layout), "error", err)
		return fmt.Errorf("append: %w", err)
	}
	log.Info("Record queued", "phase", phase, "id", r.ID,
		"measured", record.Format(r.Measured, c.opts.Layout))
	return nil
}

// deliver makes one delivery attempt and reports whether it succeeded.
func (c *Controller) deliver(ctx context.Context, phase string, r record.Record) bool {
	dctx, cancel := c.withTimeout(ctx, c.opts.DeliveryTimeout)
	defer cancel()
	outcome, err := c.sink.Deliver(dctx, r)
	metrics.Records.WithLabelValues(phase, outcome.String()).Inc()

	kv := []interface{}{"phase", phase, "id", r.ID,
		"measured", record.Format(r.Measured, c.opts.Layout),
		"outcome", outcome, "sink", c.sink.Name()}
	if outcome == sink.Delivered {
		log.Info("Record delivered", kv...)
		return true
	}
	log.Warn("Record not delivered", append(kv, "error", err)...)
	return false
}

func (c *Controller) updateQueueLength() {
	n, err := c.queue.Len()
	if err != nil {
		log.Warn("Cannot read the queue length", "error", err)
		return
	}
	metrics.QueueLength.Set(float64(n))
}

func (c *Controller) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
