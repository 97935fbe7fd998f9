package transport

import (
	"net"
)

// DatagramTransport implements MessageTransport over an unreliable packet
// socket by mapping every call onto one reliable blob exchange (see
// SendReliable and ReceiveReliable). Datagram framing already delivers
// whole logical units, so the requested size of ReceiveRaw is informational
// only.
type DatagramTransport struct {
	conn net.PacketConn
	peer net.Addr
	cfg  ReliableConfig
}

// NewDatagramTransport wraps a packet socket. peer may be nil on the server
// side; it is learned from the first received blob and updated on every
// receipt so replies always go to the most recently observed source.
func NewDatagramTransport(conn net.PacketConn, peer net.Addr, cfg ReliableConfig) *DatagramTransport {
	return &DatagramTransport{conn: conn, peer: peer, cfg: cfg}
}

// Peer returns the current peer address, or nil if no blob has been
// exchanged yet.
func (t *DatagramTransport) Peer() net.Addr {
	return t.peer
}

// SendMessage delivers text as one reliable blob.
func (t *DatagramTransport) SendMessage(text string) error {
	return SendReliable(t.conn, t.peer, []byte(text), t.cfg)
}

// ReceiveLine collects one reliable blob and interprets it as a message.
func (t *DatagramTransport) ReceiveLine() (string, error) {
	blob, addr, err := ReceiveReliable(t.conn, t.cfg)
	if err != nil {
		return "", err
	}
	t.peer = addr
	return string(blob), nil
}

// SendRaw delivers data as one reliable blob.
func (t *DatagramTransport) SendRaw(data []byte) error {
	return SendReliable(t.conn, t.peer, data, t.cfg)
}

// ReceiveRaw collects one reliable blob. n is informational: the blob
// arrives as the exact unit the peer sent.
func (t *DatagramTransport) ReceiveRaw(n int) ([]byte, error) {
	blob, addr, err := ReceiveReliable(t.conn, t.cfg)
	if err != nil {
		return nil, err
	}
	t.peer = addr
	return blob, nil
}

// Close releases the packet socket.
func (t *DatagramTransport) Close() error {
	return t.conn.Close()
}
