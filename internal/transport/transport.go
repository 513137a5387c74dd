// Package transport implements the two MCP-facing wire transports spec
// §4.1/§6.1 defines: line-delimited JSON-RPC over stdio, and a
// length-prefixed framing over TCP. Both satisfy the same Transport
// interface so internal/mcp can treat them identically.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameBytes is the hard cap on a single message, inbound or outbound,
// across either transport (spec §4.1). Exceeding it yields ErrFrameTooLarge
// rather than an unbounded read.
const MaxFrameBytes = 1 << 20 // 1 MiB

// ShutdownGrace is how long Shutdown waits for an in-flight read/write to
// finish before forcing the underlying stream closed.
const ShutdownGrace = 5 * time.Second

var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
var ErrClosed = errors.New("transport: closed")

// Transport is the minimal surface internal/mcp needs from either wire
// format: read one message, write one message, shut down cleanly.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Shutdown() error
}

// StreamTransport implements Transport as newline-delimited JSON over an
// io.ReadWriteCloser — the shape used for stdio mode, where stdin/stdout
// are piped directly to/from the MCP client process.
type StreamTransport struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // serializes writes, mirrors the teacher's writePump-owns-the-conn rule

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamTransport wraps rw. The reader's internal buffer is grown to
// MaxFrameBytes so a single oversized line is detected rather than silently
// truncated.
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		rw:     rw,
		reader: bufio.NewReaderSize(rw, MaxFrameBytes),
		closed: make(chan struct{}),
	}
}

// ReadMessage reads one newline-terminated JSON document, stripping the
// trailing delimiter. Returns ErrFrameTooLarge if no newline appears within
// MaxFrameBytes.
func (t *StreamTransport) ReadMessage() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, ErrFrameTooLarge
		}
		if len(line) > 0 && err == io.EOF {
			return trimNewline(line), nil
		}
		return nil, err
	}
	if len(line) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return trimNewline(line), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// WriteMessage writes payload followed by a single newline. Concurrent
// writers are serialized — only one goroutine may own the wire at a time,
// the same invariant the teacher's writePump enforces for gorilla/websocket.
func (t *StreamTransport) WriteMessage(payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.rw.Write(payload); err != nil {
		return err
	}
	_, err := t.rw.Write([]byte{'\n'})
	return err
}

// Shutdown closes the underlying stream. It is idempotent.
func (t *StreamTransport) Shutdown() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.rw.Close()
	})
	return err
}

// FramedTransport implements Transport over a length-prefixed wire format
// suitable for TCP: a 4-byte big-endian length prefix followed by that many
// bytes of JSON. Used for --tcp mode, where message boundaries cannot rely
// on the peer never emitting an embedded newline.
type FramedTransport struct {
	rw io.ReadWriteCloser
	mu sync.Mutex

	closeOnce sync.Once
}

func NewFramedTransport(rw io.ReadWriteCloser) *FramedTransport {
	return &FramedTransport{rw: rw}
}

func (t *FramedTransport) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.rw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.rw, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *FramedTransport) WriteMessage(payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := t.rw.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := t.rw.Write(payload)
	return err
}

func (t *FramedTransport) Shutdown() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.rw.Close()
	})
	return err
}

// WithShutdownDeadline runs shutdown and returns an error if it does not
// return within ShutdownGrace, matching spec §6.3's "shutdown completes or
// is forced within 5s" requirement.
func WithShutdownDeadline(shutdown func() error) error {
	done := make(chan error, 1)
	go func() { done <- shutdown() }()
	select {
	case err := <-done:
		return err
	case <-time.After(ShutdownGrace):
		return fmt.Errorf("transport: shutdown did not complete within %s", ShutdownGrace)
	}
}
