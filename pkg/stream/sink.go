package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/nemanja-m/gobatch/pkg/core"
)

// WriterSink writes one line per output unit. Strings and byte slices are
// written as they are, everything else as JSON.
type WriterSink struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	written int64
}

func Writer(w io.Writer) *WriterSink {
	s := &WriterSink{w: bufio.NewWriterSize(w, 64*1024)}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		s.closer = c
	}
	return s
}

func Stdout() *WriterSink {
	return Writer(os.Stdout)
}

// CreateFile truncates or creates the file at path and writes lines to it.
func CreateFile(path string) (*WriterSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return Writer(file), nil
}

func (s *WriterSink) Write(units []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range units {
		line, err := format(u)
		if err != nil {
			return err
		}
		n, err := s.w.Write(line)
		s.written += int64(n)
		if err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
		s.written++
	}
	return nil
}

func format(u any) ([]byte, error) {
	switch v := u.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("format output unit: %w", err)
	}
	return b, nil
}

func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *WriterSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes buffered output and closes the underlying file, if any.
func (s *WriterSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type discard struct{}

// Discard drops all output.
func Discard() core.Sink { return discard{} }

func (discard) Write([]any) error { return nil }

// Capture keeps output in memory.
type Capture struct {
	mu    sync.Mutex
	units []any
}

func (c *Capture) Write(units []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, units...)
	return nil
}

// Units returns a copy of everything captured so far.
func (c *Capture) Units() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.units)
}
