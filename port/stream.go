package port

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// StreamPort carries frames over a byte stream using the native messaging
// framing of browsers: each frame is a 32-bit little-endian length followed
// by that many bytes. A native host talks to the extension this way over
// its stdin and stdout.
type StreamPort struct {
	name   string
	reader io.Reader
	writer io.Writer
	config Config

	in *inbox

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewStreamPort starts reading frames from r. Frames sent go to w. If r or
// w implement io.Closer they are closed with the port.
func NewStreamPort(r io.Reader, w io.Writer, name string, cfg Config) (*StreamPort, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	p := &StreamPort{
		name:   name,
		reader: r,
		writer: w,
		config: cfg.withDefaults(),
		in:     newInbox(),
		done:   make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *StreamPort) Name() string { return p.name }

func (p *StreamPort) Recv() <-chan []byte { return p.in.out }

func (p *StreamPort) Done() <-chan struct{} { return p.done }

func (p *StreamPort) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Send writes one length-prefixed frame.
func (p *StreamPort) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if int64(len(frame)) > p.config.MaxFrameSize {
		return ErrFrameTooBig
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(frame)))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.writer.Write(header[:]); err != nil {
		p.fail(err)
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := p.writer.Write(frame); err != nil {
		p.fail(err)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (p *StreamPort) readLoop() {
	var header [4]byte
	for {
		if _, err := io.ReadFull(p.reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				// Peer closed between frames.
				p.end(nil, false)
				return
			}
			p.end(err, false)
			return
		}

		size := binary.LittleEndian.Uint32(header[:])
		if int64(size) > p.config.MaxFrameSize {
			p.end(fmt.Errorf("%w: %d bytes", ErrFrameTooBig, size), false)
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(p.reader, frame); err != nil {
			p.end(fmt.Errorf("read frame: %w", err), false)
			return
		}
		if !p.in.push(frame) {
			return
		}
	}
}

func (p *StreamPort) fail(err error) {
	p.end(err, true)
}

// end records err, then either drains (remote end) or discards (local
// failure) undelivered frames.
func (p *StreamPort) end(err error, discard bool) {
	p.closeOnce.Do(func() {
		if err != nil {
			p.errMu.Lock()
			p.err = err
			p.errMu.Unlock()
		}
		if discard {
			p.in.abort()
		} else {
			p.in.finish()
		}
		close(p.done)
		p.closeStreams()
	})
}

// Close ends the port locally. Frames not yet read are discarded.
func (p *StreamPort) Close() error {
	p.closeOnce.Do(func() {
		p.in.abort()
		close(p.done)
		p.closeStreams()
	})
	return nil
}

func (p *StreamPort) closeStreams() {
	if c, ok := p.writer.(io.Closer); ok {
		c.Close()
	}
	// Closing the same conn twice only returns an error we ignore.
	if c, ok := p.reader.(io.Closer); ok {
		c.Close()
	}
}
