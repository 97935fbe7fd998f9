package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sovok1917/network-labs/session"
	"github.com/Sovok1917/network-labs/transport"
)

// engines names both scheduling models for cross-engine subtests.
var engines = map[string]Engine{
	"blocking":  EngineBlocking,
	"eventloop": EngineEventLoop,
}

// startServer brings up a server on ephemeral loopback ports.
func startServer(t *testing.T, engine Engine, secure bool) *Server {
	t.Helper()

	cfg := DefaultConfig("127.0.0.1:0", t.TempDir())
	cfg.Engine = engine
	cfg.Secure = secure

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// dialClient opens a stream session against s.
func dialClient(t *testing.T, s *Server) *session.Client {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return session.NewClient(transport.NewStreamTransport(conn))
}

// payload generates a deterministic non-repeating byte pattern.
func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i>>8)
	}
	return data
}

func writeLocal(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestConcurrentEchoSessions(t *testing.T) {
	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			s := startServer(t, engine, false)

			const clients = 8
			var wg sync.WaitGroup
			errs := make(chan error, clients)

			for i := 0; i < clients; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()

					conn, err := net.Dial("tcp", s.Addr().String())
					if err != nil {
						errs <- err
						return
					}
					c := session.NewClient(transport.NewStreamTransport(conn))
					defer c.Close()

					// Each session must get its own text back each time,
					// whatever the other sessions are doing.
					for round := 0; round < 20; round++ {
						text := fmt.Sprintf("client %d round %d", i, round)
						reply, err := c.Echo(text)
						if err != nil {
							errs <- err
							return
						}
						if reply != text {
							errs <- fmt.Errorf("client %d got %q, want %q", i, reply, text)
							return
						}
					}
				}(i)
			}

			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestUploadDownloadOverStream(t *testing.T) {
	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			s := startServer(t, engine, false)
			c := dialClient(t, s)

			// Several chunks, so the event loop pumps multiple drain-driven
			// download chunks.
			content := payload(session.DefaultChunkSize*2 + 137)
			path := writeLocal(t, "big.bin", content)

			require.NoError(t, c.Upload(path))
			got, err := os.ReadFile(filepath.Join(s.Store().Dir(), "big.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)

			dest := filepath.Join(t.TempDir(), "fetched.bin")
			require.NoError(t, c.Download("big.bin", dest))
			got, err = os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, content, got)

			// A second fetch of the completed copy is refused client-side.
			err = c.Download("big.bin", dest)
			assert.ErrorIs(t, err, session.ErrAlreadyComplete)

			require.NoError(t, c.Close())
		})
	}
}

func TestUploadResumesAfterDisconnect(t *testing.T) {
	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			s := startServer(t, engine, false)

			content := payload(session.DefaultChunkSize + 4096)
			path := writeLocal(t, "resume.bin", content)

			// First attempt: negotiate, send exactly one chunk, vanish.
			conn, err := net.Dial("tcp", s.Addr().String())
			require.NoError(t, err)
			ct := transport.NewStreamTransport(conn)
			require.NoError(t, ct.SendMessage(fmt.Sprintf("UPLOAD resume.bin %d", len(content))))
			line, err := ct.ReceiveLine()
			require.NoError(t, err)
			assert.Equal(t, "OFFSET 0 0", line)
			require.NoError(t, ct.SendMessage("OK"))
			require.NoError(t, ct.SendRaw(content[:session.DefaultChunkSize]))
			waitFor(t, func() bool {
				return s.Store().Size("resume.bin") == int64(session.DefaultChunkSize)
			})
			conn.Close()

			// Second attempt resumes from the synced chunk. The dead
			// session's upload lock is released on teardown, so retry
			// briefly while that happens.
			c := dialClient(t, s)
			waitFor(t, func() bool {
				err := c.Upload(path)
				if errors.Is(err, session.ErrRemote) {
					return false
				}
				require.NoError(t, err)
				return true
			})

			got, err := os.ReadFile(filepath.Join(s.Store().Dir(), "resume.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)
			require.NoError(t, c.Close())
		})
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached within deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentUploadsSameNameOneWins(t *testing.T) {
	s := startServer(t, EngineBlocking, false)

	content := payload(10)
	ct1 := dialRaw(t, s)
	ct2 := dialRaw(t, s)

	// First session takes the lock by starting the negotiation.
	require.NoError(t, ct1.SendMessage("UPLOAD same.bin 10"))
	line, err := ct1.ReceiveLine()
	require.NoError(t, err)
	assert.Equal(t, "OFFSET 0 0", line)

	// Second session targeting the same name is refused while the lock is
	// held.
	require.NoError(t, ct2.SendMessage("UPLOAD same.bin 10"))
	line, err = ct2.ReceiveLine()
	require.NoError(t, err)
	assert.Contains(t, line, "ERROR")

	// The first completes untouched.
	require.NoError(t, ct1.SendMessage("OK"))
	require.NoError(t, ct1.SendRaw(content))
	line, err = ct1.ReceiveLine()
	require.NoError(t, err)
	assert.Equal(t, "UPLOAD COMPLETE", line)

	got, err := os.ReadFile(filepath.Join(s.Store().Dir(), "same.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// dialRaw opens a stream transport without the client wrapper.
func dialRaw(t *testing.T, s *Server) transport.MessageTransport {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return transport.NewStreamTransport(conn)
}

func TestDatagramSession(t *testing.T) {
	s := startServer(t, EngineBlocking, false)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	dt := transport.NewDatagramTransport(pc, s.PacketAddr(), transport.DefaultReliableConfig())
	c := session.NewClient(dt)

	reply, err := c.Echo("over raw datagrams")
	require.NoError(t, err)
	assert.Equal(t, "over raw datagrams", reply)

	reply, err = c.List()
	require.NoError(t, err)
	assert.Equal(t, "No files on server.", reply)
}

func TestDatagramUploadDownload(t *testing.T) {
	s := startServer(t, EngineBlocking, false)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	dt := transport.NewDatagramTransport(pc, s.PacketAddr(), transport.DefaultReliableConfig())
	c := session.NewClient(dt)

	content := payload(5000)
	path := writeLocal(t, "dgram.bin", content)

	require.NoError(t, c.Upload(path))
	got, err := os.ReadFile(filepath.Join(s.Store().Dir(), "dgram.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	dest := filepath.Join(t.TempDir(), "dgram-fetched.bin")
	require.NoError(t, c.Download("dgram.bin", dest))
	got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSecureStreamSession(t *testing.T) {
	s := startServer(t, EngineBlocking, true)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sec, err := transport.SecureClient(conn)
	require.NoError(t, err)
	c := session.NewClient(transport.NewStreamTransport(sec))

	reply, err := c.Echo("over an encrypted stream")
	require.NoError(t, err)
	assert.Equal(t, "over an encrypted stream", reply)

	content := payload(40000)
	path := writeLocal(t, "secret.bin", content)
	require.NoError(t, c.Upload(path))

	got, err := os.ReadFile(filepath.Join(s.Store().Dir(), "secret.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, c.Close())
}

func TestServerCloseStopsAccepting(t *testing.T) {
	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig("127.0.0.1:0", t.TempDir())
			cfg.Engine = engine
			s, err := New(cfg)
			require.NoError(t, err)

			addr := s.Addr().String()
			require.NoError(t, s.Close())

			_, err = net.Dial("tcp", addr)
			assert.Error(t, err)
		})
	}
}
