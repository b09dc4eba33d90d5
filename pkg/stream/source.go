// Package stream provides the input sources and output sinks jobs are wired
// to by default.
package stream

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/nemanja-m/gobatch/pkg/core"
)

const (
	DefaultBufferSize = 1024 * 1024 // 1MB
)

type sliceSource struct {
	units []any
}

// Slice serves a fixed in-memory collection.
func Slice(units ...any) core.Source {
	return &sliceSource{units: units}
}

func (s *sliceSource) Fetch(_ context.Context, offset, count int) ([]any, error) {
	if offset >= len(s.units) {
		return nil, io.EOF
	}
	end := min(offset+count, len(s.units))
	return slices.Clone(s.units[offset:end]), nil
}

// LineReader serves the lines of a byte stream without their terminators.
// Requests are answered in the order they are made; the offset is implied by
// how much has been read so far.
type LineReader struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	closer  io.Closer
	read    int64
	done    bool
}

func Lines(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultBufferSize)
	lr := &LineReader{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		lr.closer = c
	}
	return lr
}

// OpenLines reads lines from the file at path.
func OpenLines(path string) (*LineReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return Lines(file), nil
}

// Stdin reads lines from standard input.
func Stdin() *LineReader {
	return Lines(os.Stdin)
}

func (lr *LineReader) Fetch(ctx context.Context, _ int, count int) ([]any, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.done {
		return nil, io.EOF
	}

	var lines []any
	for len(lines) < count {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		if !lr.scanner.Scan() {
			lr.done = true
			if err := lr.scanner.Err(); err != nil {
				return lines, err
			}
			break
		}
		line := lr.scanner.Text()
		lr.read += int64(len(line)) + 1
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, io.EOF
	}
	return lines, nil
}

func (lr *LineReader) BytesRead() int64 {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.read
}

func (lr *LineReader) Close() error {
	if lr.closer == nil || lr.closer == os.Stdin {
		return nil
	}
	return lr.closer.Close()
}

// lazySource lists its units on the first fetch.
type lazySource struct {
	once  sync.Once
	list  func() ([]any, error)
	units []any
	err   error
}

func (s *lazySource) Fetch(_ context.Context, offset, count int) ([]any, error) {
	s.once.Do(func() { s.units, s.err = s.list() })
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.units) {
		return nil, io.EOF
	}
	return slices.Clone(s.units[offset:min(offset+count, len(s.units))]), nil
}

// Directory serves the paths of the entries of dir in lexical order.
func Directory(dir string) core.Source {
	return &lazySource{list: func() ([]any, error) {
		paths, err := ListDir(dir)
		if err != nil {
			return nil, err
		}
		return toUnits(paths), nil
	}}
}

// ListDir returns the paths of the entries of dir in lexical order.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = filepath.Join(dir, e.Name())
	}
	return paths, nil
}

// Glob serves the regular files matching any of patterns. Patterns support
// "**" for recursive matches.
func Glob(patterns ...string) core.Source {
	return &lazySource{list: func() ([]any, error) {
		files, err := FindFiles(patterns)
		if err != nil {
			return nil, err
		}
		return toUnits(files), nil
	}}
}

type infiniteSource struct{}

// Infinite yields nil units forever. Pair it with the limit option.
func Infinite() core.Source { return infiniteSource{} }

func (infiniteSource) Fetch(_ context.Context, _, count int) ([]any, error) {
	return make([]any, count), nil
}

// Once yields a single nil unit, for jobs that produce all output themselves.
func Once() core.Source {
	return Slice(nil)
}

func toUnits(paths []string) []any {
	units := make([]any, len(paths))
	for i, p := range paths {
		units[i] = p
	}
	return units
}
