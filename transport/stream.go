package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// streamReadChunk is how much StreamTransport reads from the underlying
// stream per call while filling its buffer.
const streamReadChunk = 4096

// StreamTransport frames a reliable byte stream as newline-delimited
// messages and exact-length raw reads. It maintains a single internal
// buffer shared by both read paths, isolating callers from partial reads
// and fragmentation. It is not safe for concurrent use; each session owns
// its transport exclusively.
type StreamTransport struct {
	rw  io.ReadWriteCloser
	buf []byte
}

// NewStreamTransport wraps an established byte stream, normally a
// *net.TCPConn or a SecureStream.
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rw: rw}
}

// SendMessage writes text terminated by a newline, retrying until every
// byte is out.
func (t *StreamTransport) SendMessage(text string) error {
	return t.SendRaw(append([]byte(text), '\n'))
}

// ReceiveLine reads until a complete line is buffered and returns it
// without the trailing newline. Bytes beyond the newline stay buffered for
// the next call.
func (t *StreamTransport) ReceiveLine() (string, error) {
	for {
		if i := bytes.IndexByte(t.buf, '\n'); i >= 0 {
			line := string(t.buf[:i])
			t.buf = t.buf[i+1:]
			return line, nil
		}

		if err := t.fill(); err != nil {
			return "", err
		}
	}
}

// SendRaw writes exactly data with no framing.
func (t *StreamTransport) SendRaw(data []byte) error {
	for len(data) > 0 {
		n, err := t.rw.Write(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SendRaw",
				"written":  n,
				"pending":  len(data),
				"error":    err.Error(),
			}).Debug("Stream write failed")
			return fmt.Errorf("writing stream data: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// ReceiveRaw returns exactly n bytes, draining the internal buffer first.
// The buffer may hold raw bytes read ahead while scanning for a newline.
func (t *StreamTransport) ReceiveRaw(n int) ([]byte, error) {
	for len(t.buf) < n {
		if err := t.fill(); err != nil {
			return nil, err
		}
	}

	data := make([]byte, n)
	copy(data, t.buf[:n])
	t.buf = t.buf[n:]
	return data, nil
}

// Close releases the underlying stream.
func (t *StreamTransport) Close() error {
	return t.rw.Close()
}

// fill appends the next chunk from the stream to the buffer, mapping EOF
// and reset errors to ErrConnectionClosed.
func (t *StreamTransport) fill() error {
	chunk := make([]byte, streamReadChunk)
	n, err := t.rw.Read(chunk)
	if n > 0 {
		t.buf = append(t.buf, chunk[:n]...)
		return nil
	}
	if err != nil {
		if err == io.EOF {
			return ErrConnectionClosed
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}
