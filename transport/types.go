package transport

import "errors"

// ErrConnectionClosed indicates the peer closed or reset the connection
// before the requested data arrived. It is fatal to the owning session.
var ErrConnectionClosed = errors.New("connection closed by peer")

// MessageTransport is the session-facing view of a connection: newline
// delimited control messages plus exact-length raw segments. It is
// implemented by StreamTransport for reliable byte streams and by
// DatagramTransport for unreliable packet sockets, so everything above this
// interface is transport-agnostic.
//
// Message and raw reads share one buffer position: a caller must request
// exactly the byte count the protocol declares follows a control line, or
// the session desynchronizes irrecoverably.
type MessageTransport interface {
	// SendMessage writes text plus a trailing newline in full.
	SendMessage(text string) error

	// ReceiveLine returns the next message without its trailing newline,
	// or ErrConnectionClosed if the peer disconnects first.
	ReceiveLine() (string, error)

	// SendRaw writes exactly data, unframed.
	SendRaw(data []byte) error

	// ReceiveRaw returns exactly n bytes of raw data, or
	// ErrConnectionClosed if the peer disconnects first.
	ReceiveRaw(n int) ([]byte, error)

	// Close releases the underlying connection.
	Close() error
}
