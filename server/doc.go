// Package server provides the connection-multiplexing engines that serve
// many simultaneous file-transfer sessions without one session's I/O
// blocking another's.
//
// Two functionally equivalent scheduling models are offered:
//
//   - EngineBlocking: each accepted stream connection runs on its own
//     goroutine with blocking I/O. Each session exclusively owns its socket
//     and file handle; a slow client cannot stall others because the
//     runtime preempts between sessions.
//
//   - EngineEventLoop: a single dispatch goroutine exclusively owns every
//     connection's state. Thin per-connection pumps translate socket
//     readiness into events (bytes readable, write queue drained, peer
//     closed) on one channel; a dispatch turn consumes only the bytes at
//     hand and returns, never blocking. Downloads are streamed chunk by
//     chunk on write-drain events so a slow reader parks its own
//     connection, not the loop.
//
// In both models the datagram socket is serviced by one dedicated loop,
// since every datagram exchange is a one-shot request/response session.
// Both engines parse commands with the same session-layer grammar, so
// protocol behavior is identical.
package server
