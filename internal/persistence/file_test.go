package persistence_test

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/speedtrack/internal/persistence"
)

// A struct that can be marshalled to JSON.
type MarshallableStruct struct {
	Test string
}

func TestWriteDataFile(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	df, err := persistence.WriteDataFile(dir, "type", "fake-uuid", ts, MarshallableStruct{Test: "foo"})
	testingx.Must(t, err, "cannot create test datafile")

	if df.Prefix != dir || df.Datatype != "type" || df.UUID != "fake-uuid" {
		t.Fatalf("invalid field values in DataFile")
	}

	// Check the generated path.
	prefix := filepath.Join(dir, "type", "2024/03/01", "type-20240301T123000.000000000Z")
	if !strings.HasPrefix(df.Path, prefix) ||
		!strings.HasSuffix(df.Path, "fake-uuid.json.gz") {
		t.Errorf("invalid output path: %s", df.Path)
	}

	// Check the file contents.
	fp, err := os.Open(df.Path)
	testingx.Must(t, err, "cannot open datafile")
	defer fp.Close()
	gz, err := gzip.NewReader(fp)
	testingx.Must(t, err, "cannot read gzip header")
	content, err := io.ReadAll(gz)
	testingx.Must(t, err, "error while reading file content")
	if string(content) != `{"Test":"foo"}` {
		t.Errorf("unexpected file content: %s", string(content))
	}
	if df.Size != len(content) {
		t.Errorf("invalid Size: %d (should be %d)", df.Size, len(content))
	}

	// Files are never overwritten.
	_, err = persistence.WriteDataFile(dir, "type", "fake-uuid", ts, MarshallableStruct{})
	if err == nil {
		t.Errorf("WriteDataFile() overwrote an existing file")
	}
}
