package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout indicates a reliable transfer made no progress within its
// configured budget. It is fatal to that transfer only.
var ErrTimeout = errors.New("reliable transfer timed out")

// finalAckBurst is how many complete-bitmap acknowledgments the receiver
// blasts on completion. The sender stops as soon as one arrives; losing
// all of them strands the sender in repair rounds until its budget runs
// out, so this burst is deliberately generous.
const finalAckBurst = 10

// ReliableConfig bounds a reliable datagram exchange. The zero value is not
// usable; start from DefaultReliableConfig.
type ReliableConfig struct {
	// PayloadSize is the maximum segment payload per datagram. It must stay
	// below typical path MTU so datagrams are never fragmented.
	PayloadSize int

	// AckWait is how long the sender listens for acknowledgment bitmaps at
	// the end of each repair round.
	AckWait time.Duration

	// IdleTimeout is how long the receiver waits without any datagram
	// before giving up.
	IdleTimeout time.Duration

	// MaxRounds is the retransmission round budget for one send.
	MaxRounds int

	// FinBurst is how many FIN packets are blasted per repair round to
	// solicit an acknowledgment bitmap.
	FinBurst int
}

// DefaultReliableConfig returns the standard transfer bounds.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		PayloadSize: 1400,
		AckWait:     50 * time.Millisecond,
		IdleTimeout: 5 * time.Second,
		MaxRounds:   400,
		FinBurst:    3,
	}
}

// SendReliable delivers data exactly once, in order, to addr over an
// unreliable packet socket using blast-and-repair with bitmap selective
// acknowledgments. It retransmits only segments the receiver reports
// missing, and fails with ErrTimeout once the round budget is exhausted.
//
// An empty blob is sent as a single empty segment so the FIN segment count
// is never zero on the wire.
func SendReliable(conn net.PacketConn, addr net.Addr, data []byte, cfg ReliableConfig) error {
	segments := splitSegments(data, cfg.PayloadSize)
	total := uint32(len(segments))

	logrus.WithFields(logrus.Fields{
		"function": "SendReliable",
		"peer":     addr.String(),
		"bytes":    len(data),
		"segments": total,
	}).Debug("Starting reliable send")

	unacked := make(map[uint32]struct{}, total)
	for seq := uint32(0); seq < total; seq++ {
		unacked[seq] = struct{}{}
	}

	fin := (&Packet{Seq: total, Type: PacketFin}).Marshal()

	for round := 0; len(unacked) > 0; round++ {
		if round >= cfg.MaxRounds {
			logrus.WithFields(logrus.Fields{
				"function": "SendReliable",
				"peer":     addr.String(),
				"rounds":   round,
				"missing":  len(unacked),
			}).Warn("Retransmission budget exhausted")
			return fmt.Errorf("%w: %d of %d segments unacknowledged after %d rounds",
				ErrTimeout, len(unacked), total, round)
		}

		// Blast every segment the receiver has not confirmed.
		for seq := uint32(0); seq < total; seq++ {
			if _, missing := unacked[seq]; !missing {
				continue
			}
			pkt := Packet{Seq: seq, Type: PacketData, Payload: segments[seq]}
			if _, err := conn.WriteTo(pkt.Marshal(), addr); err != nil {
				// A full OS buffer drops the rest of this round; the
				// repair loop resends whatever did not make it.
				break
			}
		}

		// Ask for the receipt bitmap.
		for i := 0; i < cfg.FinBurst; i++ {
			_, _ = conn.WriteTo(fin, addr)
		}

		collectAcks(conn, unacked, cfg.AckWait)
	}

	_ = conn.SetReadDeadline(time.Time{})

	logrus.WithFields(logrus.Fields{
		"function": "SendReliable",
		"peer":     addr.String(),
		"segments": total,
	}).Debug("Reliable send complete")

	return nil
}

// collectAcks drains acknowledgment packets for up to wait, clearing every
// sequence the reported bitmaps confirm.
func collectAcks(conn net.PacketConn, unacked map[uint32]struct{}, wait time.Duration) {
	deadline := time.Now().Add(wait)
	buf := make([]byte, 65535)

	for len(unacked) > 0 {
		_ = conn.SetReadDeadline(deadline)

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		pkt, err := ParsePacket(buf[:n])
		if err != nil || pkt.Type != PacketAck {
			continue
		}

		for seq := range unacked {
			if bitmapHas(pkt.Payload, seq) {
				delete(unacked, seq)
			}
		}
	}
}

// ReceiveReliable collects one blob sent via SendReliable, reassembling
// segments regardless of arrival order and tolerating duplicates. It
// returns the blob plus the peer address of the most recently observed
// datagram, or ErrTimeout after IdleTimeout with no traffic at all.
func ReceiveReliable(conn net.PacketConn, cfg ReliableConfig) ([]byte, net.Addr, error) {
	held := make(map[uint32][]byte)
	buf := make([]byte, 65535)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logrus.WithFields(logrus.Fields{
					"function":     "ReceiveReliable",
					"idle_timeout": cfg.IdleTimeout,
					"segments":     len(held),
				}).Warn("No datagrams within idle deadline")
				return nil, nil, fmt.Errorf("%w: no datagrams for %v", ErrTimeout, cfg.IdleTimeout)
			}
			return nil, nil, fmt.Errorf("reading datagram: %w", err)
		}

		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			continue // malformed datagrams are silently discarded
		}

		switch pkt.Type {
		case PacketData:
			held[pkt.Seq] = pkt.Payload

		case PacketFin:
			total := pkt.Seq
			if !haveAll(held, total) {
				ack := Packet{Seq: total, Type: PacketAck, Payload: buildBitmap(held, total)}
				_, _ = conn.WriteTo(ack.Marshal(), addr)
				continue
			}

			// Complete. Blast final acknowledgments so the sender's
			// repair loop terminates even if some are lost.
			ack := Packet{Seq: total, Type: PacketAck, Payload: buildBitmap(held, total)}
			wire := ack.Marshal()
			for i := 0; i < finalAckBurst; i++ {
				_, _ = conn.WriteTo(wire, addr)
			}
			_ = conn.SetReadDeadline(time.Time{})

			blob := assemble(held, total)
			logrus.WithFields(logrus.Fields{
				"function": "ReceiveReliable",
				"peer":     addr.String(),
				"segments": total,
				"bytes":    len(blob),
			}).Debug("Reliable receive complete")
			return blob, addr, nil
		}
	}
}

// splitSegments slices data into payload-sized segments, always producing at
// least one so an empty blob still has unambiguous FIN bookkeeping.
func splitSegments(data []byte, payloadSize int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}

	segments := make([][]byte, 0, (len(data)+payloadSize-1)/payloadSize)
	for off := 0; off < len(data); off += payloadSize {
		end := off + payloadSize
		if end > len(data) {
			end = len(data)
		}
		segments = append(segments, data[off:end])
	}
	return segments
}

// haveAll reports whether every segment in [0, total) has arrived.
func haveAll(held map[uint32][]byte, total uint32) bool {
	for seq := uint32(0); seq < total; seq++ {
		if _, ok := held[seq]; !ok {
			return false
		}
	}
	return true
}

// assemble concatenates held segments in sequence order.
func assemble(held map[uint32][]byte, total uint32) []byte {
	size := 0
	for seq := uint32(0); seq < total; seq++ {
		size += len(held[seq])
	}

	blob := make([]byte, 0, size)
	for seq := uint32(0); seq < total; seq++ {
		blob = append(blob, held[seq]...)
	}
	return blob
}
