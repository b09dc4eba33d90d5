package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/nemanja-m/gobatch/internal/wire"
)

const (
	frameStart byte = 0x00
	frameEnd   byte = 0xff

	readBufferSize = 32 * 1024
)

// ErrMalformedFrame reports a corrupt stream. It is never retried.
var ErrMalformedFrame = errors.New("malformed frame")

// Framer sends and receives values over a duplex byte stream. Every value is
// encoded with the wire codec and wrapped in a 0x00 ... 0xFF frame.
type Framer struct {
	conn io.ReadWriteCloser

	mu  sync.Mutex
	dec decoder
}

func NewFramer(conn io.ReadWriteCloser) *Framer {
	return &Framer{conn: conn}
}

// Send writes v as one frame. It is safe for concurrent use.
func (f *Framer) Send(v any) error {
	payload, err := wire.Marshal(v)
	if err != nil {
		return err
	}

	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, frameStart)
	frame = append(frame, payload...)
	frame = append(frame, frameEnd)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Listen reads the stream until it ends and calls handle for every decoded
// value, in the order the frames were written. A closed stream ends Listen
// with a nil error; an error from handle ends it with that error.
func (f *Framer) Listen(handle func(v any) error) error {
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := f.conn.Read(buf)
		if n > 0 {
			frames, err := f.dec.feed(buf[:n])
			for _, frame := range frames {
				v, err := wire.Unmarshal(frame)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
				}
				if err := handle(v); err != nil {
					return err
				}
			}
			if err != nil {
				return err
			}
		}
		if readErr != nil {
			if isClosed(readErr) {
				return nil
			}
			return fmt.Errorf("read frame: %w", readErr)
		}
	}
}

func (f *Framer) Close() error {
	return f.conn.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

// decoder reassembles frames from arbitrarily sized chunks.
type decoder struct {
	buf     []byte
	inFrame bool
}

func (d *decoder) feed(chunk []byte) ([][]byte, error) {
	var frames [][]byte
	start := 0

	for i, b := range chunk {
		switch b {
		case frameStart:
			if d.inFrame {
				return frames, fmt.Errorf("%w: frame start inside frame", ErrMalformedFrame)
			}
			d.inFrame = true
			d.buf = d.buf[:0]
			start = i + 1
		case frameEnd:
			if !d.inFrame {
				return frames, fmt.Errorf("%w: frame end outside frame", ErrMalformedFrame)
			}
			frame := make([]byte, 0, len(d.buf)+i-start)
			frame = append(frame, d.buf...)
			frame = append(frame, chunk[start:i]...)
			frames = append(frames, frame)

			d.buf = d.buf[:0]
			d.inFrame = false
			start = i + 1
		default:
			if !d.inFrame {
				return frames, fmt.Errorf("%w: data outside frame", ErrMalformedFrame)
			}
		}
	}

	if d.inFrame {
		d.buf = append(d.buf, chunk[start:]...)
	}
	return frames, nil
}
