package run

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
)

// LogStore manages the on-disk, append-only log file for every run
// (spec.md §4.7 "an append-only log file (on disk, to bound memory)").
// It is a separate component from Scheduler's sqlite-backed run table so
// that large log volumes never touch the database.
type LogStore struct {
	root string

	mu      sync.Mutex
	handles map[id.ID]*logHandle
}

type logHandle struct {
	mu      sync.Mutex
	file    *os.File
	size    int64
	changed chan struct{}
}

// NewLogStore opens (creating if necessary) a log store rooted at
// <root>/logs/ (spec.md §6.5 "logs/<run_id>").
func NewLogStore(root string) (*LogStore, error) {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, cerr.IOf(component, err)
	}
	return &LogStore{root: dir, handles: make(map[id.ID]*logHandle)}, nil
}

func (l *LogStore) handle(runID id.ID) (*logHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.handles[runID]; ok {
		return h, nil
	}
	f, err := os.OpenFile(filepath.Join(l.root, runID.String()), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, cerr.IOf(component, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cerr.IOf(component, err)
	}
	h := &logHandle{file: f, size: info.Size(), changed: make(chan struct{})}
	l.handles[runID] = h
	return h, nil
}

// Append writes p to run's log and wakes blocked tail readers.
func (l *LogStore) Append(ctx context.Context, runID id.ID, p []byte) error {
	h, err := l.handle(runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.file.Write(p)
	if err != nil {
		return cerr.IOf(component, err)
	}
	h.size += int64(n)
	old := h.changed
	h.changed = make(chan struct{})
	close(old)
	return nil
}

// ReadPrefix reads the log's current contents from the start.
func (l *LogStore) ReadPrefix(ctx context.Context, runID id.ID) ([]byte, error) {
	h, err := l.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	size := h.size
	h.mu.Unlock()
	return l.readRange(runID, 0, size)
}

func (l *LogStore) readRange(runID id.ID, offset, size int64) ([]byte, error) {
	f, err := os.Open(filepath.Join(l.root, runID.String()))
	if err != nil {
		return nil, cerr.IOf(component, err)
	}
	defer f.Close()
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, cerr.IOf(component, err)
	}
	return buf, nil
}

// Tail blocks until bytes beyond offset are available or done fires,
// returning the newly available bytes and the new offset.
func (l *LogStore) Tail(ctx context.Context, runID id.ID, offset int64, done <-chan struct{}) ([]byte, int64, error) {
	h, err := l.handle(runID)
	if err != nil {
		return nil, offset, err
	}
	for {
		h.mu.Lock()
		size := h.size
		changed := h.changed
		h.mu.Unlock()

		if size > offset {
			b, err := l.readRange(runID, offset, size)
			if err != nil {
				return nil, offset, err
			}
			return b, size, nil
		}

		select {
		case <-ctx.Done():
			return nil, offset, cerr.New(cerr.Canceled, component, ctx.Err())
		case <-changed:
		case <-done:
			return nil, offset, nil
		}
	}
}

// Close releases every open log file handle.
func (l *LogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, h := range l.handles {
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
