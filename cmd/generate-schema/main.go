package main

import (
	"flag"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/speedtrack/internal/sink"
)

var speedtrackSchema string

func init() {
	flag.StringVar(&speedtrackSchema, "speedtrack", "/var/spool/datatypes/speedtrack.json", "filename to write speedtrack schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema of the rows written by the bigquery store.
	sch, err := bigquery.InferSchema(sink.Row{})
	rtx.Must(err, "failed to generate speedtrack schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal speedtrack schema")
	err = os.WriteFile(speedtrackSchema, b, 0o644)
	rtx.Must(err, "failed to write speedtrack schema")
}
