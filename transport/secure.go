package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// secureFrameMax is the largest plaintext carried by one encrypted frame.
// Noise messages are capped at 65535 bytes including the AEAD tag.
const secureFrameMax = 16384

// SecureStream wraps a byte stream with a Noise-XX handshake and per-frame
// authenticated encryption. It satisfies io.ReadWriteCloser, so a
// StreamTransport can sit on top of it unchanged. Neither side needs
// pre-shared keys; XX exchanges ephemeral and static keys in-band.
type SecureStream struct {
	rw       io.ReadWriteCloser
	send     *noise.CipherState
	recv     *noise.CipherState
	leftover []byte
}

// SecureClient performs the initiator side of the Noise-XX handshake over
// rw and returns the encrypted stream.
func SecureClient(rw io.ReadWriteCloser) (*SecureStream, error) {
	return secureHandshake(rw, true)
}

// SecureServer performs the responder side of the Noise-XX handshake over
// rw and returns the encrypted stream.
func SecureServer(rw io.ReadWriteCloser) (*SecureStream, error) {
	return secureHandshake(rw, false)
}

func secureHandshake(rw io.ReadWriteCloser, initiator bool) (*SecureStream, error) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

	static, err := suite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating static keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("creating handshake state: %w", err)
	}

	s := &SecureStream{rw: rw}

	// XX is a three-message pattern; the ciphers materialize on the final
	// message for both roles.
	writing := initiator
	for s.send == nil || s.recv == nil {
		if writing {
			msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("writing handshake message: %w", err)
			}
			if err := writeFrame(rw, msg); err != nil {
				return nil, err
			}
			s.assignCiphers(initiator, cs1, cs2)
		} else {
			msg, err := readFrame(rw)
			if err != nil {
				return nil, err
			}
			_, cs1, cs2, err := hs.ReadMessage(nil, msg)
			if err != nil {
				return nil, fmt.Errorf("reading handshake message: %w", err)
			}
			s.assignCiphers(initiator, cs1, cs2)
		}
		writing = !writing
	}

	logrus.WithFields(logrus.Fields{
		"function":  "secureHandshake",
		"initiator": initiator,
	}).Debug("Noise handshake complete")

	return s, nil
}

// assignCiphers orients the handshake's cipher pair. The initiator sends
// with the first state; the responder with the second.
func (s *SecureStream) assignCiphers(initiator bool, cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
}

// Read returns decrypted plaintext, reading and decrypting the next frame
// when the leftover buffer is empty.
func (s *SecureStream) Read(p []byte) (int, error) {
	if len(s.leftover) == 0 {
		frame, err := readFrame(s.rw)
		if err != nil {
			return 0, err
		}
		plain, err := s.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("decrypting frame: %w", err)
		}
		s.leftover = plain
	}

	n := copy(p, s.leftover)
	s.leftover = s.leftover[n:]
	return n, nil
}

// Write encrypts p into one or more frames and writes them in full.
func (s *SecureStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > secureFrameMax {
			chunk = chunk[:secureFrameMax]
		}

		frame, err := s.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("encrypting frame: %w", err)
		}
		if err := writeFrame(s.rw, frame); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close releases the underlying stream.
func (s *SecureStream) Close() error {
	return s.rw.Close()
}

// writeFrame writes a 2-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(data)))
	copy(frame[2:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame in full.
func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	data := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return data, nil
}
