package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedStream simulates a stream that returns partial reads of at most
// chunkSize bytes per call and records everything written.
type chunkedStream struct {
	data      []byte
	readPos   int
	chunkSize int
	written   bytes.Buffer
	closed    bool
}

func newChunkedStream(data []byte, chunkSize int) *chunkedStream {
	return &chunkedStream{data: data, chunkSize: chunkSize}
}

func (s *chunkedStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.EOF
	}
	remaining := len(s.data) - s.readPos
	if remaining == 0 {
		return 0, io.EOF
	}

	n := s.chunkSize
	if n > len(p) {
		n = len(p)
	}
	if n > remaining {
		n = remaining
	}
	copy(p, s.data[s.readPos:s.readPos+n])
	s.readPos += n
	return n, nil
}

func (s *chunkedStream) Write(p []byte) (int, error) {
	return s.written.Write(p)
}

func (s *chunkedStream) Close() error {
	s.closed = true
	return nil
}

// TestReceiveLinePartialReads verifies lines are assembled across
// arbitrarily fragmented reads.
func TestReceiveLinePartialReads(t *testing.T) {
	for _, chunkSize := range []int{1, 2, 3, 4096} {
		st := NewStreamTransport(newChunkedStream([]byte("UPLOAD a.bin 10\nsecond line\n"), chunkSize))

		line, err := st.ReceiveLine()
		require.NoError(t, err, "chunk size %d", chunkSize)
		assert.Equal(t, "UPLOAD a.bin 10", line)

		line, err = st.ReceiveLine()
		require.NoError(t, err, "chunk size %d", chunkSize)
		assert.Equal(t, "second line", line)
	}
}

// TestReceiveLineConnectionClosed verifies a disconnect before a full line
// surfaces ErrConnectionClosed.
func TestReceiveLineConnectionClosed(t *testing.T) {
	st := NewStreamTransport(newChunkedStream([]byte("no newline here"), 4096))

	_, err := st.ReceiveLine()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestSharedBufferLineThenRaw verifies the central framing invariant: raw
// bytes read ahead while scanning for a newline are served from the shared
// buffer, in order, before any fresh socket reads.
func TestSharedBufferLineThenRaw(t *testing.T) {
	// One large read delivers a control line plus raw payload plus the
	// next control line.
	wire := append([]byte("OK\n"), []byte("0123456789")...)
	wire = append(wire, []byte("UPLOAD COMPLETE\n")...)
	st := NewStreamTransport(newChunkedStream(wire, 4096))

	line, err := st.ReceiveLine()
	require.NoError(t, err)
	assert.Equal(t, "OK", line)

	raw, err := st.ReceiveRaw(10)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), raw)

	line, err = st.ReceiveLine()
	require.NoError(t, err)
	assert.Equal(t, "UPLOAD COMPLETE", line)
}

// TestReceiveRawExactCount verifies raw reads block for exactly the
// requested byte count across fragmented reads.
func TestReceiveRawExactCount(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 1000)
	st := NewStreamTransport(newChunkedStream(payload, 7))

	first, err := st.ReceiveRaw(600)
	require.NoError(t, err)
	second, err := st.ReceiveRaw(400)
	require.NoError(t, err)

	assert.Equal(t, payload, append(first, second...))

	_, err = st.ReceiveRaw(1)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestSendMessageAppendsNewline verifies message framing on the wire.
func TestSendMessageAppendsNewline(t *testing.T) {
	cs := newChunkedStream(nil, 4096)
	st := NewStreamTransport(cs)

	require.NoError(t, st.SendMessage("OFFSET 4 abc123"))
	require.NoError(t, st.SendRaw([]byte{1, 2, 3}))

	assert.Equal(t, append([]byte("OFFSET 4 abc123\n"), 1, 2, 3), cs.written.Bytes())
}
