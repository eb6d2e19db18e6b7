package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/terraskye/aggregate"
)

var _ aggregate.EventStoreClient = (*FileStore)(nil)

// FileStore keeps one JSON file per event under baseDir/streams/<stream>/ and a
// symlink per event under baseDir/all/ ordered by global position. It is
// meant for local development and is safe for use by a single process only.
type FileStore struct {
	baseDir   string
	mu        sync.Mutex
	connected bool
	globalSeq uint64
	clock     func() time.Time
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{baseDir: dir, clock: time.Now}
}

// Connect creates the directory layout and restores the global sequence.
func (f *FileStore) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.allDir(), 0o755); err != nil {
		return fmt.Errorf("connect file store %q: %w", f.baseDir, err)
	}
	entries, err := os.ReadDir(f.allDir())
	if err != nil {
		return fmt.Errorf("connect file store %q: %w", f.baseDir, err)
	}
	f.globalSeq = uint64(len(entries))
	f.connected = true
	return nil
}

func (f *FileStore) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FileStore) allDir() string { return filepath.Join(f.baseDir, "all") }

func (f *FileStore) streamDir(stream string) string {
	return filepath.Join(f.baseDir, "streams", url.PathEscape(stream))
}

func eventFileName(seq uint64, eventType string) string {
	return fmt.Sprintf("%010d-%s.json", seq, url.PathEscape(eventType))
}

func (f *FileStore) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return aggregate.AppendResult{}, aggregate.ErrNotConnected
	}

	sdir := f.streamDir(stream)
	current, err := countFiles(sdir)
	if err != nil {
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	if err := aggregate.CheckRevision(stream, expected, current); err != nil {
		return aggregate.AppendResult{}, err
	}
	if err := aggregate.ValidateAppend(stream, events, current); err != nil {
		return aggregate.AppendResult{}, err
	}
	if len(events) == 0 {
		return aggregate.AppendResult{NextExpectedVersion: current}, nil
	}
	if err := os.MkdirAll(sdir, 0o755); err != nil {
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
	}

	recorded := f.clock().UnixMilli()
	result := aggregate.AppendResult{Recorded: make([]aggregate.WireEvent, 0, len(events))}
	var written []string
	rollback := func() {
		for i := len(written) - 1; i >= 0; i-- {
			_ = os.Remove(written[i])
		}
	}

	seq := f.globalSeq
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			rollback()
			return aggregate.AppendResult{}, err
		}
		seq++
		ev = ev.Clone()
		ev.GlobalPosition = seq
		ev.RecordedTimeUnixMs = recorded

		data, err := json.Marshal(ev)
		if err != nil {
			rollback()
			return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		path := filepath.Join(sdir, eventFileName(ev.AggregateNonce, ev.EventType))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			rollback()
			return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		written = append(written, path)

		// symlink to all/
		link := filepath.Join(f.allDir(), eventFileName(seq, ev.EventType))
		rel, err := filepath.Rel(f.allDir(), path)
		if err == nil {
			err = os.Symlink(rel, link)
		}
		if err != nil {
			rollback()
			return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: link event: %w", stream, err)
		}
		written = append(written, link)
		result.Recorded = append(result.Recorded, ev)
	}

	f.globalSeq = seq
	result.NextExpectedVersion = current + uint64(len(events))
	result.LastGlobalPosition = seq
	return result, nil
}

func (f *FileStore) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, aggregate.ErrNotConnected
	}
	events, err := readDir(ctx, f.streamDir(stream))
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	out := events[:0]
	for _, ev := range events {
		if ev.AggregateNonce >= fromVersion {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReadAll returns the events of all streams from fromPosition on, in global order.
func (f *FileStore) ReadAll(ctx context.Context, fromPosition uint64) ([]aggregate.WireEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, aggregate.ErrNotConnected
	}
	events, err := readDir(ctx, f.allDir())
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	out := events[:0]
	for _, ev := range events {
		if ev.GlobalPosition >= fromPosition {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *FileStore) StreamExists(ctx context.Context, stream string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false, aggregate.ErrNotConnected
	}
	n, err := countFiles(f.streamDir(stream))
	if err != nil {
		return false, fmt.Errorf("stream exists %q: %w", stream, err)
	}
	return n > 0, nil
}

func countFiles(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(len(entries)), nil
}

// readDir decodes every event file in dir. os.ReadDir sorts by name and names
// are zero padded, so the result is in sequence order.
func readDir(ctx context.Context, dir string) ([]aggregate.WireEvent, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []aggregate.WireEvent{}, nil
	}
	if err != nil {
		return nil, err
	}
	events := make([]aggregate.WireEvent, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var ev aggregate.WireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		events = append(events, ev)
	}
	return events, nil
}
