// speedtrack-probe runs a single measurement and prints the record that
// speedtrack would deliver, without touching the queue or the remote store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/speedtrack/internal/netid"
	"github.com/m-lab/speedtrack/internal/probe"
	"github.com/m-lab/speedtrack/internal/record"
	"github.com/m-lab/speedtrack/pkg/client"
	"github.com/m-lab/speedtrack/pkg/version"
)

var (
	flagServer   = flag.String("server", "", "Server address")
	flagStreams  = flag.Int("streams", 2, "Number of streams")
	flagCC       = flag.String("cc", "bbr", "Congestion control algorithm to use")
	flagDelay    = flag.Duration("delay", 0, "Delay between each stream")
	flagDuration = flag.Duration("duration", 5*time.Second, "Length of the last stream")
	flagScheme   = flag.String("scheme", "wss", "Websocket scheme (wss or ws)")
	flagNoVerify = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagNetid    = flag.String("netid-command", netid.DefaultCommand, "Command printing the network name")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	if float64(*flagStreams-1)*flagDelay.Seconds() >= flagDuration.Seconds() {
		log.Fatal("Invalid configuration: please check streams, delay and duration and make sure they make sense.")
	}

	cl := client.New("speedtrack-probe", version.Version, client.Config{
		Server:            *flagServer,
		Scheme:            *flagScheme,
		NumStreams:        *flagStreams,
		Length:            *flagDuration,
		Delay:             *flagDelay,
		CongestionControl: *flagCC,
		MeasurementID:     uuid.NewString(),
		NoVerify:          *flagNoVerify,
	})
	p := probe.NewThroughput(cl)
	builder := record.NewBuilder(record.DefaultLayout, record.NetworkLookup(netid.Command(*flagNetid)))

	ctx := context.Background()
	var r record.Record
	if err := p.Initialize(ctx); err != nil {
		log.Error("Probe initialization failed", "error", err)
		r = builder.Build(ctx, nil, err)
	} else {
		_, derr := p.MeasureDownstream(ctx)
		_, uerr := p.MeasureUpstream(ctx)
		res := p.LastResult()
		r = builder.Build(ctx, &res, errors.Join(derr, uerr))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	rtx.Must(enc.Encode(r), "Could not encode record")
}
