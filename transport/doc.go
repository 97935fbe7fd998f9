// Package transport provides the network transport layer for the file
// service: a fixed-header datagram codec, a reliable-delivery (ARQ) engine
// built on lossy datagrams, and newline/raw framing over byte streams.
//
// # Architecture
//
// The core abstraction is the MessageTransport interface, which presents a
// session-facing view of the network as newline-delimited control messages
// plus exact-length raw segments:
//
//	type MessageTransport interface {
//	    SendMessage(text string) error
//	    ReceiveLine() (string, error)
//	    SendRaw(data []byte) error
//	    ReceiveRaw(n int) ([]byte, error)
//	    Close() error
//	}
//
// Two implementations satisfy it. StreamTransport frames a reliable byte
// stream (normally TCP), buffering partial reads so callers never see
// fragmentation. DatagramTransport maps every call onto one reliable blob
// exchange over an unreliable packet socket, using the ARQ engine in
// reliable.go. Everything above this interface is transport-agnostic.
//
// # Reliable Datagram Delivery
//
// SendReliable and ReceiveReliable implement a blast-and-repair protocol
// with bitmap selective acknowledgments: the sender transmits every segment,
// asks the receiver which ones arrived, and retransmits exactly the missing
// set until the receipt bitmap is complete. Segments are capped at 1400
// bytes to stay under typical path MTU. Both calls are bounded: the sender
// by a repair-round budget, the receiver by an idle deadline, each surfacing
// ErrTimeout instead of hanging.
//
// # Encrypted Streams
//
// SecureStream optionally wraps any stream with a Noise-XX handshake and
// per-frame AEAD, while still satisfying io.ReadWriteCloser so it can back a
// StreamTransport unchanged:
//
//	sc, err := transport.SecureClient(conn)
//	st := transport.NewStreamTransport(sc)
package transport
