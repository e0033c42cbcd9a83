package m2m

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Sink consumes completed frames. WriteFrame must not retain f.Output
// after it returns; the pump may reuse the memory.
type Sink interface {
	io.Closer
	WriteFrame(f *CodecFrame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(f *CodecFrame) error

func (fn SinkFunc) WriteFrame(f *CodecFrame) error { return fn(f) }
func (fn SinkFunc) Close() error                   { return nil }

// FileSink appends every output payload to a file, producing an
// elementary stream or a raw frame dump.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	frames int
	bytes  int64
}

// CreateFileSink creates or truncates path.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

// WriteFrame implements Sink.
func (s *FileSink) WriteFrame(f *CodecFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(f.Output)
	s.frames++
	s.bytes += int64(n)
	return err
}

// Written returns the number of frames and bytes written.
func (s *FileSink) Written() (frames int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	if err := s.w.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// MultiSink fans frames out to several sinks. Every sink sees every
// frame; errors are aggregated.
type MultiSink []Sink

// WriteFrame implements Sink.
func (m MultiSink) WriteFrame(f *CodecFrame) error {
	var result *multierror.Error
	for i, s := range m {
		if err := s.WriteFrame(f); err != nil {
			result = multierror.Append(result, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
