package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sovok1917/network-labs/session"
	"github.com/Sovok1917/network-labs/storage"
	"github.com/Sovok1917/network-labs/transport"
)

// Engine selects the scheduling model for stream connections.
type Engine int

const (
	// EngineBlocking runs one goroutine per connection with blocking I/O.
	EngineBlocking Engine = iota
	// EngineEventLoop runs one dispatch goroutine over explicit
	// per-connection state machines.
	EngineEventLoop
)

// Config carries process-startup configuration: addresses, storage root,
// scheduling model, and transfer bounds. Transport selection and the
// storage directory pre-flight happen outside the engine.
type Config struct {
	// Addr is the listen address, shared by the stream listener and the
	// datagram socket ("host:port"; port 0 picks ephemeral ports).
	Addr string

	// StorageDir is the storage root. It must already exist.
	StorageDir string

	// Engine selects the scheduling model for stream connections.
	Engine Engine

	// Secure wraps every stream connection in a Noise-XX handshake.
	// The event-loop engine serves plaintext streams only.
	Secure bool

	// Reliable bounds datagram-mode transfers.
	Reliable transport.ReliableConfig
}

// DefaultConfig returns a server configuration with standard transfer
// bounds and the blocking engine.
func DefaultConfig(addr, storageDir string) Config {
	return Config{
		Addr:       addr,
		StorageDir: storageDir,
		Engine:     EngineBlocking,
		Reliable:   transport.DefaultReliableConfig(),
	}
}

// Server accepts stream connections and datagrams on one address and
// drives sessions through the configured engine. Failure is always scoped
// to the owning session; no malformed command or failed transfer takes the
// engine down.
type Server struct {
	cfg     Config
	store   *storage.Store
	handler *session.Handler

	listener net.Listener
	packet   net.PacketConn
	loop     *eventLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a server on cfg.Addr, listening for streams and datagrams
// simultaneously.
func New(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	packet, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("binding datagram socket on %s: %w", cfg.Addr, err)
	}
	transport.ConfigureDatagramBuffers(packet)

	ctx, cancel := context.WithCancel(context.Background())

	store := storage.New(cfg.StorageDir)
	s := &Server{
		cfg:      cfg,
		store:    store,
		handler:  session.NewHandler(store),
		listener: listener,
		packet:   packet,
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     listener.Addr().String(),
		"engine":   cfg.Engine,
		"secure":   cfg.Secure,
	}).Info("Server listening for streams and datagrams")

	s.wg.Add(1)
	go s.serveDatagrams()

	switch cfg.Engine {
	case EngineEventLoop:
		s.loop = newEventLoop(s.store)
		s.wg.Add(2)
		go s.loop.run(&s.wg)
		go s.acceptIntoLoop()
	default:
		s.wg.Add(1)
		go s.acceptBlocking()
	}

	return s, nil
}

// Addr returns the stream listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// PacketAddr returns the datagram socket address.
func (s *Server) PacketAddr() net.Addr {
	return s.packet.LocalAddr()
}

// Store exposes the storage layer backing this server.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Close shuts the engine down and waits for active loops to finish.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	if perr := s.packet.Close(); err == nil {
		err = perr
	}
	if s.loop != nil {
		s.loop.stop()
	}
	s.wg.Wait()
	return err
}

// acceptBlocking runs the goroutine-per-connection engine.
func (s *Server) acceptBlocking() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptBlocking",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn drives one blocking session over an accepted connection.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "serveConn",
		"peer":     conn.RemoteAddr().String(),
	}).Info("Stream session opened")

	if tcp, ok := conn.(*net.TCPConn); ok {
		transport.ConfigureKeepAlive(tcp)
	}

	var rw io.ReadWriteCloser = conn
	if s.cfg.Secure {
		sec, err := transport.SecureServer(conn)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveConn",
				"peer":     conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Secure handshake failed")
			return
		}
		rw = sec
	}

	s.handler.Handle(transport.NewStreamTransport(rw))
}

// acceptIntoLoop feeds accepted connections to the event-loop engine.
func (s *Server) acceptIntoLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptIntoLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			transport.ConfigureKeepAlive(tcp)
		}
		s.loop.add(conn)
	}
}

// serveDatagrams runs the dedicated datagram loop. Each exchange is a
// one-shot session: created on the first datagram of a request, destroyed
// after the response cycle.
func (s *Server) serveDatagrams() {
	defer s.wg.Done()

	for {
		dt := transport.NewDatagramTransport(s.packet, nil, s.cfg.Reliable)
		err := s.handler.HandleOnce(dt)
		if err == nil {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrTimeout) {
			continue // idle socket, keep waiting
		}

		logrus.WithFields(logrus.Fields{
			"function": "serveDatagrams",
			"error":    err.Error(),
		}).Warn("Datagram session failed")
	}
}
