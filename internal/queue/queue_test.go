package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/speedtrack/internal/record"
)

func newQueue(t *testing.T) *Queue {
	return New(filepath.Join(t.TempDir(), "queue.json"), record.DefaultLayout)
}

func makeRecord(i int) record.Record {
	name := "home"
	return record.Record{
		ID:         fmt.Sprintf("id-%d", i),
		Measured:   time.Date(2024, 3, 1, 12, 0, i, 0, time.UTC),
		Download:   float64(i) * 1e6,
		DownloadMb: float64(i),
		WifiName:   &name,
	}
}

func exists(t *testing.T, path string) bool {
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return err == nil
}

func TestQueue_AbsentArtifact(t *testing.T) {
	q := newQueue(t)

	got, err := q.Drain()
	testingx.Must(t, err, "Drain() of a missing artifact failed")
	if len(got) != 0 {
		t.Errorf("Drain() = %d records, want 0", len(got))
	}
	testingx.Must(t, q.Append(), "Append() of nothing failed")
	testingx.Must(t, q.Settle(nil), "Settle() of nothing failed")
	if exists(t, q.Path) {
		t.Errorf("artifact created although the queue stayed empty")
	}
	n, err := q.Len()
	testingx.Must(t, err, "Len() failed")
	if n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestQueue_RoundTrip(t *testing.T) {
	q := newQueue(t)
	in := []record.Record{makeRecord(1), makeRecord(2)}
	in[1].WifiName = nil
	in[1].ProbeError = "dial tcp: connection refused"

	testingx.Must(t, q.Append(in...), "Append() failed")
	got, err := q.Drain()
	testingx.Must(t, err, "Drain() failed")
	if !reflect.DeepEqual(got, in) {
		t.Errorf("Drain() = %+v, want %+v", got, in)
	}
	// Timestamps are stored as text in the canonical layout.
	data, err := os.ReadFile(q.Path)
	testingx.Must(t, err, "cannot read artifact")
	if !strings.Contains(string(data), `"measured": "2024-03-01 12:00:01"`) {
		t.Errorf("artifact does not carry the canonical timestamp:\n%s", data)
	}
	if !strings.Contains(string(data), `"wifi_name": null`) {
		t.Errorf("artifact does not carry a null wifi_name:\n%s", data)
	}
}

func TestQueue_AppendPreservesOrder(t *testing.T) {
	q := newQueue(t)
	testingx.Must(t, q.Append(makeRecord(1)), "Append() failed")
	testingx.Must(t, q.Append(makeRecord(2), makeRecord(3)), "Append() failed")

	got, err := q.Drain()
	testingx.Must(t, err, "Drain() failed")
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if want := []string{"id-1", "id-2", "id-3"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Drain() ids = %v, want %v", ids, want)
	}
}

func TestQueue_Settle(t *testing.T) {
	tests := []struct {
		name        string
		queued      int
		stillFailed []int
		appended    []int
		want        []string
		wantFile    bool
	}{
		{
			name:   "everything delivered removes the artifact",
			queued: 3,
		},
		{
			name:        "partial failure keeps only the failures",
			queued:      5,
			stillFailed: []int{1, 4},
			want:        []string{"id-1", "id-4"},
			wantFile:    true,
		},
		{
			name:        "nothing delivered keeps everything",
			queued:      2,
			stillFailed: []int{0, 1},
			want:        []string{"id-0", "id-1"},
			wantFile:    true,
		},
		{
			name:     "records appended after the drain survive",
			queued:   2,
			appended: []int{7},
			want:     []string{"id-7"},
			wantFile: true,
		},
		{
			name:        "appended records follow the failures",
			queued:      2,
			stillFailed: []int{1},
			appended:    []int{7, 8},
			want:        []string{"id-1", "id-7", "id-8"},
			wantFile:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			for i := 0; i < tt.queued; i++ {
				testingx.Must(t, q.Append(makeRecord(i)), "Append() failed")
			}
			drained, err := q.Drain()
			testingx.Must(t, err, "Drain() failed")
			if len(drained) != tt.queued {
				t.Fatalf("Drain() = %d records, want %d", len(drained), tt.queued)
			}
			for _, i := range tt.appended {
				testingx.Must(t, q.Append(makeRecord(i)), "Append() failed")
			}
			var failed []record.Record
			for _, i := range tt.stillFailed {
				failed = append(failed, drained[i])
			}
			testingx.Must(t, q.Settle(failed), "Settle() failed")

			if got := exists(t, q.Path); got != tt.wantFile {
				t.Fatalf("artifact exists = %v, want %v", got, tt.wantFile)
			}
			got, err := q.Drain()
			testingx.Must(t, err, "Drain() failed")
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("remaining ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestQueue_NoLossOnRepeatedFailure(t *testing.T) {
	q := newQueue(t)
	const invocations = 10
	for i := 0; i < invocations; i++ {
		drained, err := q.Drain()
		testingx.Must(t, err, "Drain() failed")
		// Nothing is delivered: every drained record is still failed.
		testingx.Must(t, q.Settle(drained), "Settle() failed")
		testingx.Must(t, q.Append(makeRecord(i)), "Append() failed")
	}
	n, err := q.Len()
	testingx.Must(t, err, "Len() failed")
	if n != invocations {
		t.Errorf("Len() = %d, want %d", n, invocations)
	}
}

func TestQueue_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated json", content: `[{"id": "a", "measured": "2024-`},
		{name: "not an array", content: `{"id": "a"}`},
		{name: "bad timestamp", content: `[{"id": "a", "measured": "yesterday"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			testingx.Must(t, os.WriteFile(q.Path, []byte(tt.content), 0o644), "cannot write artifact")

			if _, err := q.Len(); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Len() error = %v, want ErrCorrupt", err)
			}
			if !exists(t, q.Path) {
				t.Fatalf("Len() moved the artifact")
			}

			_, err := q.Drain()
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Drain() error = %v, want ErrCorrupt", err)
			}
			if exists(t, q.Path) {
				t.Errorf("corrupt artifact was not moved aside")
			}
			matches, err := filepath.Glob(q.Path + ".corrupt-*")
			testingx.Must(t, err, "glob failed")
			if len(matches) != 1 {
				t.Fatalf("found %d quarantined artifacts, want 1", len(matches))
			}
			data, err := os.ReadFile(matches[0])
			testingx.Must(t, err, "cannot read quarantined artifact")
			if string(data) != tt.content {
				t.Errorf("quarantined artifact content changed")
			}

			// Later appends start a fresh artifact.
			testingx.Must(t, q.Append(makeRecord(1)), "Append() after corruption failed")
			n, err := q.Len()
			testingx.Must(t, err, "Len() failed")
			if n != 1 {
				t.Errorf("Len() = %d, want 1", n)
			}
		})
	}
}

func TestQueue_AppendToCorrupt(t *testing.T) {
	q := newQueue(t)
	testingx.Must(t, os.WriteFile(q.Path, []byte("garbage"), 0o644), "cannot write artifact")
	testingx.Must(t, q.Append(makeRecord(3)), "Append() to a corrupt artifact failed")
	got, err := q.Drain()
	testingx.Must(t, err, "Drain() failed")
	if len(got) != 1 || got[0].ID != "id-3" {
		t.Errorf("Drain() = %+v, want only id-3", got)
	}
}

func TestQueue_LegacyRecords(t *testing.T) {
	q := newQueue(t)
	legacy := `[{"measured": "2023-11-05 08:30:00", "download": 5000000, "upload": 1000000,
		"download_mb": 5, "upload_mb": 1, "ping": 12.5, "wifi_name": "cafe"}]`
	testingx.Must(t, os.WriteFile(q.Path, []byte(legacy), 0o644), "cannot write artifact")

	got, err := q.Drain()
	testingx.Must(t, err, "Drain() failed")
	if len(got) != 1 {
		t.Fatalf("Drain() = %d records, want 1", len(got))
	}
	r := got[0]
	want := time.Date(2023, 11, 5, 8, 30, 0, 0, time.UTC)
	if r.ID != "" || !r.Measured.Equal(want) || r.DownloadMb != 5 || r.Ping != 12.5 ||
		r.WifiName == nil || *r.WifiName != "cafe" {
		t.Errorf("Drain() = %+v", r)
	}
}

func TestQueue_Lock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "queue.json")
	first := New(path, record.DefaultLayout)
	second := New(path, record.DefaultLayout)

	testingx.Must(t, first.Lock(), "first Lock() failed")
	if err := second.Lock(); !errors.Is(err, ErrLocked) {
		t.Errorf("second Lock() error = %v, want ErrLocked", err)
	}
	testingx.Must(t, first.Unlock(), "Unlock() failed")
	testingx.Must(t, second.Lock(), "Lock() after Unlock() failed")
	testingx.Must(t, second.Unlock(), "Unlock() failed")
}
