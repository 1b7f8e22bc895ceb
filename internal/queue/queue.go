// Package queue implements the durable, file-backed queue of records that
// could not be delivered to the remote store.
//
// The queue is a single JSON array on disk. Every mutation replaces the file
// atomically, so a crash leaves either the previous or the next version of
// the artifact and never a partial one. A drained artifact is only replaced
// once the controller reports which records are still undelivered (Settle).
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/m-lab/speedtrack/internal/record"
)

var (
	// ErrCorrupt is returned when the artifact cannot be decoded. The
	// artifact has been moved aside when this error is returned.
	ErrCorrupt = errors.New("queue artifact is corrupt")
	// ErrLocked is returned by Lock when another process holds the queue.
	ErrLocked = errors.New("queue is locked by another process")
)

// entry is the on-disk form of a record. Measured is stored as text in the
// configured layout.
type entry struct {
	record.Record
	Measured string `json:"measured"`
}

// Queue is a durable FIFO of records backed by the file at Path.
type Queue struct {
	Path   string
	layout string

	mu       sync.Mutex
	inflight int
	lock     *flock.Flock
}

// New returns a Queue stored at path, with timestamps written using layout.
func New(path, layout string) *Queue {
	return &Queue{
		Path:   path,
		layout: layout,
		lock:   flock.New(path + ".lock"),
	}
}

// Lock acquires an exclusive advisory lock on the queue for the current
// process. It does not wait.
func (q *Queue) Lock() error {
	if err := os.MkdirAll(filepath.Dir(q.Path), 0o755); err != nil {
		return err
	}
	ok, err := q.lock.TryLock()
	if err != nil {
		return fmt.Errorf("cannot lock %s: %w", q.lock.Path(), err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock taken by Lock.
func (q *Queue) Unlock() error {
	return q.lock.Unlock()
}

// Len returns the number of records currently in the artifact. A corrupt
// artifact is reported, not moved.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	records, err := q.read()
	return len(records), err
}

// Drain returns every queued record, oldest first. The artifact is left in
// place; call Settle once the records have been handled. A missing artifact
// yields no records and no error.
func (q *Queue) Drain() ([]record.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	records, err := q.load()
	if err != nil {
		q.inflight = 0
		return nil, err
	}
	q.inflight = len(records)
	return records, nil
}

// Append adds records to the end of the queue.
func (q *Queue) Append(records ...record.Record) error {
	if len(records) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	// A corrupt artifact has been moved aside, start a fresh one.
	if err := q.write(append(current, records...)); err != nil {
		return err
	}
	log.Debug("Records queued", "path", q.Path, "count", len(records),
		"pending", len(current)+len(records))
	return nil
}

// Settle completes a Drain: the drained records are replaced by stillFailed,
// while records appended after the Drain are kept behind them. The artifact
// is removed when nothing remains.
func (q *Queue) Settle(stillFailed []record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	var appended []record.Record
	if q.inflight < len(current) {
		appended = current[q.inflight:]
	}
	q.inflight = 0
	remaining := make([]record.Record, 0, len(stillFailed)+len(appended))
	remaining = append(remaining, stillFailed...)
	remaining = append(remaining, appended...)
	return q.write(remaining)
}

// read decodes the artifact. A missing artifact is an empty queue.
func (q *Queue) read() ([]record.Record, error) {
	data, err := os.ReadFile(q.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", q.Path, err)
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	records := make([]record.Record, 0, len(entries))
	for i, e := range entries {
		measured, err := record.Parse(e.Measured, q.layout)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, i, err)
		}
		r := e.Record
		r.Measured = measured
		records = append(records, r)
	}
	return records, nil
}

// load is read, moving a corrupt artifact aside.
func (q *Queue) load() ([]record.Record, error) {
	records, err := q.read()
	if errors.Is(err, ErrCorrupt) {
		aside := fmt.Sprintf("%s.corrupt-%d", q.Path, time.Now().UnixNano())
		if rerr := os.Rename(q.Path, aside); rerr != nil {
			return nil, fmt.Errorf("%v; cannot move it aside: %w", err, rerr)
		}
		log.Error("Corrupt queue artifact moved aside", "path", q.Path,
			"quarantine", aside, "error", err)
	}
	return records, err
}

// write atomically replaces the artifact with records, or removes it when
// records is empty.
func (q *Queue) write(records []record.Record) error {
	if len(records) == 0 {
		if err := os.Remove(q.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cannot remove %s: %w", q.Path, err)
		}
		return nil
	}
	entries := make([]entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, entry{Record: r, Measured: record.Format(r.Measured, q.layout)})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.Path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(q.Path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", q.Path, err)
	}
	return nil
}
