package transport

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// datagramBufferSize is the OS-level socket buffer requested for packet
// sockets. Large buffers keep the kernel from dropping datagrams during
// high-speed blast rounds.
const datagramBufferSize = 8 * 1024 * 1024

// keepAlivePeriod is the probe interval used to detect physically
// disconnected peers on stream connections.
const keepAlivePeriod = 10 * time.Second

// ConfigureKeepAlive enables TCP keepalive probing on a stream connection
// so dead peers are detected instead of holding a session open forever.
// Called once at connection setup; not part of protocol logic.
func ConfigureKeepAlive(conn *net.TCPConn) {
	if err := conn.SetKeepAlive(true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ConfigureKeepAlive",
			"error":    err.Error(),
		}).Debug("Failed to enable keepalive")
		return
	}
	_ = conn.SetKeepAlivePeriod(keepAlivePeriod)
}

// ConfigureDatagramBuffers asks the OS for enlarged send and receive
// buffers on a packet socket, silently falling back to the defaults when
// the request is denied.
func ConfigureDatagramBuffers(conn net.PacketConn) {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return
	}
	_ = udp.SetReadBuffer(datagramBufferSize)
	_ = udp.SetWriteBuffer(datagramBufferSize)
}
