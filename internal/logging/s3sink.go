package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ObjectStore is the subset of object-store operations the S3 log
// sink needs; satisfied by *objectstore.Client.
type ObjectStore interface {
	Get(ctx context.Context, storeName, key string) ([]byte, error)
	Put(ctx context.Context, storeName, key string, body []byte) error
}

// S3Sink appends JSON log lines to a single append-only object in the
// logging data store using a download-append-upload cycle: there is
// no S3 "append" primitive, so each flush round-trips the whole
// object.
type S3Sink struct {
	store     ObjectStore
	storeName string
	key       string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewS3Sink builds a sink that mirrors to "<key>" in storeName.
func NewS3Sink(store ObjectStore, storeName, key string) *S3Sink {
	return &S3Sink{store: store, storeName: storeName, key: key}
}

// Write appends a line to the in-memory buffer without touching the
// object store; callers batch writes and call Flush explicitly, since
// every write would otherwise cost a full GET+PUT round trip.
func (s *S3Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Flush downloads the current object (if any), appends the buffered
// lines, and uploads the result. Safe to call with an empty buffer.
func (s *S3Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buf.Bytes()
	s.buf.Reset()
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	existing, err := s.store.Get(ctx, s.storeName, s.key)
	if err != nil {
		existing = nil // object not created yet; start fresh
	}

	merged := append(append([]byte{}, existing...), pending...)
	if err := s.store.Put(ctx, s.storeName, s.key, merged); err != nil {
		return fmt.Errorf("flush log sink %s: %w", s.key, err)
	}
	return nil
}

// LogAndFlush writes entry to both the process Logger and this sink,
// flushing immediately when the record is at severity error so a
// fatal condition is never lost to an unflushed buffer.
func (s *S3Sink) LogAndFlush(ctx context.Context, logger *Logger, entry Record) error {
	logger.Log(entry)
	data, err := jsonLine(entry)
	if err != nil {
		return err
	}
	if _, err := s.Write(data); err != nil {
		return err
	}
	if entry.Severity == SeverityError {
		return s.Flush(ctx)
	}
	return nil
}

func jsonLine(entry Record) ([]byte, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
