package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// Source delivers the next batch of events on every scheduler tick
type Source interface {
	// Fetch returns up to one batch of events. An empty batch means no new data.
	Fetch(ctx context.Context) ([]event.Event, error)
	Close() error
}

// NDJSONSource reads newline-delimited JSON events. It keeps its read
// position between calls, so a file that is appended to is followed like a
// tail. A trailing line without newline is held back until it completes or
// Flush is called.
type NDJSONSource struct {
	mu        sync.Mutex
	r         *bufio.Reader
	closer    io.Closer
	batchSize int
	pending   []byte
	line      int
	skipped   int
	logger    *zap.Logger
}

// NewNDJSONSource reads events from r in batches of batchSize
func NewNDJSONSource(r io.Reader, batchSize int, logger *zap.Logger) *NDJSONSource {
	if batchSize < 1 {
		batchSize = 1
	}
	s := &NDJSONSource{
		r:         bufio.NewReaderSize(r, 64*1024),
		batchSize: batchSize,
		logger:    logger.Named("ndjson"),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFile opens path as an NDJSON source
func OpenFile(path string, batchSize int, logger *zap.Logger) (*NDJSONSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	return NewNDJSONSource(f, batchSize, logger.With(zap.String("path", path))), nil
}

// Fetch reads up to batchSize events. Lines that do not hold a JSON object
// are logged and skipped.
func (s *NDJSONSource) Fetch(ctx context.Context) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []event.Event
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		chunk, err := s.r.ReadBytes('\n')
		if len(chunk) > 0 {
			s.pending = append(s.pending, chunk...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("failed to read events: %w", err)
		}

		s.line++
		if ev, ok := s.takePending(); ok {
			batch = append(batch, ev)
		}
	}
	return batch, nil
}

// Flush decodes a held-back last line that has no trailing newline. It is
// meant for input known to be complete, such as a file being replayed.
func (s *NDJSONSource) Flush(ctx context.Context) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	s.line++
	if ev, ok := s.takePending(); ok {
		return []event.Event{ev}, nil
	}
	return nil, nil
}

// takePending decodes and clears the buffered line
func (s *NDJSONSource) takePending() (event.Event, bool) {
	line := bytes.TrimSpace(s.pending)
	s.pending = s.pending[:0]
	if len(line) == 0 {
		return nil, false
	}

	ev, err := event.Decode(line)
	if err != nil {
		s.skipped++
		s.logger.Warn("Skipping undecodable event line",
			zap.Int("line", s.line),
			zap.Error(err))
		return nil, false
	}
	return ev, true
}

// Skipped returns how many lines could not be decoded
func (s *NDJSONSource) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Close closes the underlying reader when it is closable
func (s *NDJSONSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
