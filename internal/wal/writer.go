package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shale-io/shale/internal/objectstore"
)

// Common errors returned by Logger.
var (
	// ErrEmptyWAL is returned when logging no entries.
	ErrEmptyWAL = errors.New("wal: cannot write empty WAL")

	// ErrWriterClosed is returned when trying to use a closed logger.
	ErrWriterClosed = errors.New("wal: writer is closed")

	// ErrEncode is returned when entries can not be serialized.
	ErrEncode = errors.New("wal: encoding failed")

	ErrUnknownCodec = errors.New("wal: unknown codec")
)

// IsRetryable reports whether a Log failure is a storage error worth
// retrying. Encoding errors and a closed logger are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrEncode) &&
		!errors.Is(err, ErrWriterClosed) &&
		!errors.Is(err, ErrEmptyWAL) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// WriteResult describes a written WAL object.
type WriteResult struct {
	LogID           uuid.UUID
	Path            string
	CreatedAtUnixMs int64
	Size            int64
	Entries         int
}

// PathFormatter generates object storage paths for WAL objects.
type PathFormatter interface {
	FormatPath(server string, logID uuid.UUID) string
}

// DefaultPathFormatter implements PathFormatter with a standard path format.
type DefaultPathFormatter struct {
	// Prefix is an optional prefix for all WAL paths.
	Prefix string
}

// FormatPath returns a path in the format: {prefix}/wal/{server}/{logId}.wal
func (f *DefaultPathFormatter) FormatPath(server string, logID uuid.UUID) string {
	if f.Prefix == "" {
		return fmt.Sprintf("wal/%s/%s.wal", server, logID.String())
	}
	return fmt.Sprintf("%s/wal/%s/%s.wal", f.Prefix, server, logID.String())
}

// MetricsRecorder observes written objects.
type MetricsRecorder interface {
	RecordFlush(sizeBytes int64, durationSeconds float64, success bool)
}

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	// Server names the tablet server; it is part of every object path.
	Server string
	Codec  Codec
	// PathFormatter generates object storage paths. If nil, DefaultPathFormatter is used.
	PathFormatter PathFormatter
	Metrics       MetricsRecorder
}

// Logger writes one WAL object per Log call. It is safe for concurrent use.
type Logger struct {
	store         objectstore.Store
	server        string
	codec         Codec
	pathFormatter PathFormatter
	metrics       MetricsRecorder

	mu     sync.RWMutex
	closed bool
}

// NewLogger creates a logger writing to store.
func NewLogger(store objectstore.Store, cfg LoggerConfig) *Logger {
	var pf PathFormatter = &DefaultPathFormatter{}
	if cfg.PathFormatter != nil {
		pf = cfg.PathFormatter
	}
	server := cfg.Server
	if server == "" {
		server = "local"
	}
	return &Logger{
		store:         store,
		server:        server,
		codec:         cfg.Codec,
		pathFormatter: pf,
		metrics:       cfg.Metrics,
	}
}

// Log durably writes entries as a single object. When it returns nil the
// mutations may be committed.
func (l *Logger) Log(ctx context.Context, entries []Entry) (*WriteResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrWriterClosed
	}
	if len(entries) == 0 {
		return nil, ErrEmptyWAL
	}

	start := time.Now()
	logID := uuid.New()
	createdAt := start.UnixMilli()
	data, err := Encode(logID, createdAt, l.codec, entries)
	if err != nil {
		return nil, err
	}

	path := l.pathFormatter.FormatPath(l.server, logID)
	err = l.store.Put(ctx, path, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	if l.metrics != nil {
		l.metrics.RecordFlush(int64(len(data)), time.Since(start).Seconds(), err == nil)
	}
	if err != nil {
		return nil, fmt.Errorf("wal: write to object store failed: %w", err)
	}
	return &WriteResult{
		LogID:           logID,
		Path:            path,
		CreatedAtUnixMs: createdAt,
		Size:            int64(len(data)),
		Entries:         len(entries),
	}, nil
}

// Read fetches and decodes the WAL object at path.
func (l *Logger) Read(ctx context.Context, path string) (*Log, error) {
	rc, err := l.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("wal: read %s: %w", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("wal: read %s: %w", path, err)
	}
	return Decode(data)
}

// Close rejects further writes.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
