// speedtrack measures network throughput and delivers each measurement to a
// remote store, queueing measurements locally while the store is
// unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/speedtrack/internal/config"
	"github.com/m-lab/speedtrack/internal/metrics"
	"github.com/m-lab/speedtrack/internal/netid"
	"github.com/m-lab/speedtrack/internal/pipeline"
	"github.com/m-lab/speedtrack/internal/probe"
	"github.com/m-lab/speedtrack/internal/queue"
	"github.com/m-lab/speedtrack/internal/record"
	"github.com/m-lab/speedtrack/internal/sink"
	"github.com/m-lab/speedtrack/pkg/client"
	"github.com/m-lab/speedtrack/pkg/version"
)

const clientName = "speedtrack"

var (
	flagConfig   = flag.String("config", "configs.json", "Path to the configuration file")
	flagInterval = flag.Duration("interval", 0,
		"Average time between runs. When zero, run once and exit")
	flagStatus = flag.Bool("status", false, "Print the number of queued records and exit")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")

	cfg, err := config.Load(*flagConfig)
	rtx.Must(err, "Could not load configuration")
	logFile := setupLogging(cfg)
	if logFile != nil {
		defer logFile.Close()
	}

	q := queue.New(cfg.QueueFile, cfg.Layout)
	if *flagStatus {
		n, err := q.Len()
		rtx.Must(err, "Could not read the queue")
		fmt.Println(n)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := newSink(ctx, cfg)
	defer s.Close(context.Background())

	lookup := netid.Command(cfg.NetidCommand)
	if *flagInterval > 0 {
		lookup = netid.Cached(lookup, *flagInterval)
	}
	builder := record.NewBuilder(cfg.Layout, record.NetworkLookup(lookup))
	ctl := pipeline.New(newProbe(cfg), builder, s, q, pipeline.Options{
		MeasureTimeout:  cfg.MeasureTimeout,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Layout:          cfg.Layout,
		ArchiveDir:      cfg.ArchiveDir,
	})

	if *flagInterval <= 0 {
		run(ctx, ctl)
		if cfg.MetricsFile != "" {
			if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
				log.Warn("Cannot write metrics", "path", cfg.MetricsFile, "error", err)
			}
		}
		return
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()
	log.Info("Starting periodic runs", "interval", *flagInterval)
	err = memoryless.Run(ctx, func() { run(ctx, ctl) }, memoryless.Config{
		Min:      *flagInterval / 10,
		Expected: *flagInterval,
		Max:      *flagInterval * 4,
	})
	rtx.Must(err, "Invalid interval")
}

// run executes one cycle. Failures are logged; they never change the exit
// code.
func run(ctx context.Context, ctl *pipeline.Controller) {
	start := time.Now()
	if err := ctl.Run(ctx); err != nil {
		if errors.Is(err, queue.ErrLocked) {
			log.Warn("Another run holds the queue")
			return
		}
		log.Error("Run completed with errors", "error", err, "elapsed", time.Since(start))
		return
	}
	log.Info("Run completed", "elapsed", time.Since(start))
}

// setupLogging configures the package-level logger. The log file, if any,
// receives a copy of everything written to stderr.
func setupLogging(cfg *config.Config) *os.File {
	level, err := log.ParseLevel(cfg.LogLevel)
	rtx.Must(err, "Invalid log level")
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	if cfg.LogFile == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	rtx.Must(err, "Could not open log file")
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f
}

// newSink returns the configured remote store. A store that cannot be set up
// is replaced by one that is always unreachable, so records are queued.
func newSink(ctx context.Context, cfg *config.Config) sink.Sink {
	s, err := sink.New(ctx, sink.Config{
		Store:            cfg.Store,
		ConnectionString: cfg.ConnectionString,
		DBName:           cfg.DBName,
		CollectionName:   cfg.CollectionName,
	})
	if err != nil {
		log.Error("Cannot set up the remote store, records will be queued",
			"store", cfg.Store, "error", err)
		return &sink.Unavailable{Store: cfg.Store, Err: err}
	}
	return s
}

func newProbe(cfg *config.Config) probe.Probe {
	c := client.New(clientName, version.Version, client.Config{
		Server:            cfg.Probe.Server,
		Scheme:            cfg.Probe.Scheme,
		NumStreams:        cfg.Probe.Streams,
		Length:            cfg.Probe.Duration,
		Delay:             cfg.Probe.Delay,
		CongestionControl: cfg.Probe.CC,
		MeasurementID:     uuid.NewString(),
		NoVerify:          cfg.Probe.NoVerify,
	})
	return probe.NewThroughput(c)
}
