package server

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sovok1917/network-labs/session"
	"github.com/Sovok1917/network-labs/storage"
)

// connPhase is the explicit state of one event-loop connection.
type connPhase int

const (
	// phaseIdle parses command lines.
	phaseIdle connPhase = iota
	// phaseUploadOffer has sent OFFSET and awaits OK, RESTART or ABORT.
	phaseUploadOffer
	// phaseUploadData consumes raw upload bytes.
	phaseUploadData
	// phaseDownloadOffer has sent SIZE and awaits the client's OFFSET.
	phaseDownloadOffer
	// phaseDownloadData streams file chunks on write-drain events.
	phaseDownloadData
)

// connState is the per-connection state machine of the event-loop engine.
// Every field is exclusively owned and mutated by the single dispatch
// goroutine; the reader and writer pumps touch only the socket and the
// channels.
type connState struct {
	id   uint64
	conn net.Conn

	phase connPhase
	inbuf []byte

	// Outbound path: at most one buffer is in flight with the writer pump;
	// the rest queue here until a drain event.
	outq     [][]byte
	inflight bool
	writeq   chan []byte

	// Transfer state.
	name      string
	size      int64
	offset    int64
	remaining int64
	upload    *storage.AppendWriter
	download  *os.File
	locked    bool

	closing bool
}

type eventKind int

const (
	evRead eventKind = iota
	evDrained
	evClosed
)

// event is one readiness notification delivered to the dispatch goroutine.
type event struct {
	id   uint64
	kind eventKind
	data []byte
}

// eventLoop is the single-threaded multiplexing engine. One dispatch
// goroutine owns every connState; a dispatch turn processes only the bytes
// currently available and returns.
type eventLoop struct {
	store  *storage.Store
	chunk  int
	now    func() time.Time
	events chan event
	adds   chan net.Conn
	quit   chan struct{}
	conns  map[uint64]*connState
	nextID uint64
}

func newEventLoop(store *storage.Store) *eventLoop {
	return &eventLoop{
		store:  store,
		chunk:  session.DefaultChunkSize,
		now:    time.Now,
		events: make(chan event, 256),
		adds:   make(chan net.Conn),
		quit:   make(chan struct{}),
		conns:  make(map[uint64]*connState),
	}
}

// add hands an accepted connection to the dispatch goroutine.
func (l *eventLoop) add(conn net.Conn) {
	select {
	case l.adds <- conn:
	case <-l.quit:
		conn.Close()
	}
}

func (l *eventLoop) stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

// run is the dispatch loop. It is the only goroutine that reads or writes
// any connState.
func (l *eventLoop) run(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case conn := <-l.adds:
			l.register(conn)

		case ev := <-l.events:
			cs, ok := l.conns[ev.id]
			if !ok {
				continue // events from a torn-down connection
			}
			switch ev.kind {
			case evRead:
				cs.inbuf = append(cs.inbuf, ev.data...)
				l.drive(cs)
			case evDrained:
				l.onDrained(cs)
			case evClosed:
				l.teardown(cs)
			}

		case <-l.quit:
			for _, cs := range l.conns {
				l.teardown(cs)
			}
			return
		}
	}
}

// register creates the connection state and starts its reader and writer
// pumps. The pumps never touch connState; they translate socket readiness
// into events.
func (l *eventLoop) register(conn net.Conn) {
	l.nextID++
	cs := &connState{
		id:     l.nextID,
		conn:   conn,
		writeq: make(chan []byte, 1),
	}
	l.conns[cs.id] = cs

	logrus.WithFields(logrus.Fields{
		"function": "register",
		"conn_id":  cs.id,
		"peer":     conn.RemoteAddr().String(),
	}).Info("Event-loop session opened")

	go l.readPump(cs.id, conn)
	go l.writePump(cs.id, conn, cs.writeq)
}

// readPump forwards readable bytes as events until the peer closes.
func (l *eventLoop) readPump(id uint64, conn net.Conn) {
	for {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case l.events <- event{id: id, kind: evRead, data: buf[:n]}:
			case <-l.quit:
				return
			}
		}
		if err != nil {
			select {
			case l.events <- event{id: id, kind: evClosed}:
			case <-l.quit:
			}
			return
		}
	}
}

// writePump drains queued outbound buffers, reporting each completed write
// so the dispatcher can queue the next one.
func (l *eventLoop) writePump(id uint64, conn net.Conn, writeq <-chan []byte) {
	for data := range writeq {
		if _, err := writeAll(conn, data); err != nil {
			select {
			case l.events <- event{id: id, kind: evClosed}:
			case <-l.quit:
			}
			return
		}
		select {
		case l.events <- event{id: id, kind: evDrained}:
		case <-l.quit:
			return
		}
	}
}

func writeAll(conn net.Conn, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drive consumes whatever the inbound buffer holds for the current phase.
// It never blocks: when the buffer runs dry it simply returns until the
// next readable event.
func (l *eventLoop) drive(cs *connState) {
	for {
		if cs.phase == phaseUploadData {
			if !l.consumeUploadBytes(cs) {
				return
			}
			continue
		}

		i := bytes.IndexByte(cs.inbuf, '\n')
		if i < 0 {
			return
		}
		line := string(cs.inbuf[:i])
		cs.inbuf = cs.inbuf[i+1:]

		switch cs.phase {
		case phaseIdle:
			l.handleCommand(cs, line)
		case phaseUploadOffer:
			l.handleUploadDecision(cs, line)
		case phaseDownloadOffer:
			l.handleDownloadOffset(cs, line)
		default:
			// Lines are not expected while streaming a download; the
			// client is desynchronized.
			l.enqueue(cs, session.FormatError("unexpected message during transfer"))
		}

		if _, alive := l.conns[cs.id]; !alive {
			return
		}
	}
}

// handleCommand executes one idle-phase command line.
func (l *eventLoop) handleCommand(cs *connState, line string) {
	cmd, err := session.ParseCommand(line)
	if err != nil {
		l.enqueue(cs, session.FormatError("empty command"))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleCommand",
		"conn_id":  cs.id,
		"verb":     cmd.Verb,
	}).Debug("Dispatching command")

	switch cmd.Verb {
	case session.CmdEcho:
		l.enqueue(cs, strings.Join(cmd.Args, " "))
	case session.CmdTime:
		l.enqueue(cs, l.now().Format(session.TimeLayout))
	case session.CmdList:
		l.enqueue(cs, l.listReply())
	case session.CmdClose:
		l.enqueue(cs, session.RespBye)
		cs.closing = true
	case session.CmdUpload:
		l.startUpload(cs, cmd.Args)
	case session.CmdDownload:
		l.startDownload(cs, cmd.Args)
	default:
		l.enqueue(cs, session.FormatError("unknown command"))
	}
}

func (l *eventLoop) listReply() string {
	names, err := l.store.List()
	if err != nil {
		return session.FormatError(err.Error())
	}
	if len(names) == 0 {
		return "No files on server."
	}
	return strings.Join(names, ", ")
}

// startUpload validates an UPLOAD command and offers the resume offset.
func (l *eventLoop) startUpload(cs *connState, args []string) {
	if len(args) < 2 {
		l.enqueue(cs, session.FormatError("UPLOAD needs <name> <size>"))
		return
	}

	name, err := storage.SanitizeName(args[0])
	if err != nil {
		l.enqueue(cs, session.FormatError(err.Error()))
		return
	}
	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || size < 0 {
		l.enqueue(cs, session.FormatError(fmt.Sprintf("bad size %q", args[1])))
		return
	}

	if err := l.store.Acquire(name); err != nil {
		l.enqueue(cs, session.FormatError(err.Error()))
		return
	}

	cur := l.store.Size(name)
	if cur >= size && size > 0 {
		l.store.Release(name)
		l.enqueue(cs, session.FormatError("file already complete"))
		return
	}

	checksum, err := l.store.ChecksumPrefix(name, cur)
	if err != nil {
		l.store.Release(name)
		l.enqueue(cs, session.FormatError(err.Error()))
		return
	}

	cs.name = name
	cs.size = size
	cs.offset = cur
	cs.locked = true
	cs.phase = phaseUploadOffer
	l.enqueue(cs, session.FormatOffset(cur, checksum))
}

// handleUploadDecision processes the client's OK/RESTART/ABORT answer to
// the offered offset.
func (l *eventLoop) handleUploadDecision(cs *connState, line string) {
	if line == session.RespAbort {
		l.finishUpload(cs, false)
		return
	}

	w, err := l.store.AppendWriter(cs.name)
	if err != nil {
		l.enqueue(cs, session.FormatError(err.Error()))
		l.finishUpload(cs, false)
		return
	}

	switch line {
	case session.RespOK:
		// Resume at the offered offset.
	case session.RespRestart:
		if err := w.Truncate(); err != nil {
			w.Close()
			l.enqueue(cs, session.FormatError(err.Error()))
			l.finishUpload(cs, false)
			return
		}
		cs.offset = 0
		l.enqueue(cs, session.RespReady)
	default:
		w.Close()
		l.enqueue(cs, session.FormatError(fmt.Sprintf("expected OK, RESTART or ABORT, got %q", line)))
		l.finishUpload(cs, false)
		return
	}

	if cs.size == 0 && l.store.Size(cs.name) > 0 {
		if err := w.Truncate(); err != nil {
			w.Close()
			l.enqueue(cs, session.FormatError(err.Error()))
			l.finishUpload(cs, false)
			return
		}
	}

	cs.upload = w
	cs.remaining = cs.size - cs.offset
	if cs.remaining == 0 {
		l.finishUpload(cs, true)
		return
	}
	cs.phase = phaseUploadData
}

// consumeUploadBytes appends buffered raw bytes to the upload. It reports
// false when the buffer is drained and more data must arrive first.
func (l *eventLoop) consumeUploadBytes(cs *connState) bool {
	if len(cs.inbuf) == 0 {
		return false
	}

	take := cs.remaining
	if take > int64(len(cs.inbuf)) {
		take = int64(len(cs.inbuf))
	}

	if _, err := cs.upload.Write(cs.inbuf[:take]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "consumeUploadBytes",
			"conn_id":  cs.id,
			"name":     cs.name,
			"error":    err.Error(),
		}).Error("Upload write failed")
		l.enqueue(cs, session.FormatError(err.Error()))
		l.finishUpload(cs, false)
		return true
	}

	cs.inbuf = cs.inbuf[take:]
	cs.remaining -= take

	if cs.remaining == 0 {
		l.finishUpload(cs, true)
	}
	return true
}

// finishUpload releases upload resources and returns the connection to the
// idle phase, announcing completion when the byte count was reached.
func (l *eventLoop) finishUpload(cs *connState, complete bool) {
	if cs.upload != nil {
		cs.upload.Close()
		cs.upload = nil
	}
	if cs.locked {
		l.store.Release(cs.name)
		cs.locked = false
	}
	if complete {
		logrus.WithFields(logrus.Fields{
			"function": "finishUpload",
			"conn_id":  cs.id,
			"name":     cs.name,
			"size":     cs.size,
		}).Info("Upload complete")
		l.enqueue(cs, session.RespUploadComplete)
	}
	cs.phase = phaseIdle
}

// startDownload validates a DOWNLOAD command and offers the file size.
func (l *eventLoop) startDownload(cs *connState, args []string) {
	if len(args) < 1 {
		l.enqueue(cs, session.FormatError("DOWNLOAD needs <name>"))
		return
	}

	name, err := storage.SanitizeName(args[0])
	if err != nil {
		l.enqueue(cs, session.FormatError(err.Error()))
		return
	}

	if !l.store.Exists(name) {
		l.enqueue(cs, "ERROR: not found")
		return
	}

	cs.name = name
	cs.size = l.store.Size(name)
	cs.phase = phaseDownloadOffer
	l.enqueue(cs, session.FormatSize(cs.size))
}

// handleDownloadOffset verifies the client's claimed prefix. A divergent
// prefix is answered with RESTART and the phase stays in the offer until a
// clean OFFSET 0 arrives.
func (l *eventLoop) handleDownloadOffset(cs *connState, line string) {
	if line == session.RespAbort {
		cs.phase = phaseIdle
		return
	}

	offset, checksum, err := session.ParseOffset(line)
	if err != nil {
		l.enqueue(cs, session.FormatError(err.Error()))
		cs.phase = phaseIdle
		return
	}

	match := offset == 0
	if !match && offset <= cs.size {
		ours, err := l.store.ChecksumPrefix(cs.name, offset)
		if err != nil {
			l.enqueue(cs, session.FormatError(err.Error()))
			cs.phase = phaseIdle
			return
		}
		match = ours == checksum
	}

	if !match {
		logrus.WithFields(logrus.Fields{
			"function": "handleDownloadOffset",
			"conn_id":  cs.id,
			"name":     cs.name,
			"offset":   offset,
		}).Info("Resume checksum mismatch, forcing restart")
		l.enqueue(cs, session.RespRestart)
		return
	}

	cs.remaining = cs.size - offset
	if cs.remaining == 0 {
		l.enqueue(cs, session.RespOK)
		cs.phase = phaseIdle
		return
	}

	f, err := l.store.OpenAt(cs.name, offset)
	if err != nil {
		l.enqueue(cs, session.FormatError(err.Error()))
		cs.phase = phaseIdle
		return
	}

	cs.download = f
	cs.phase = phaseDownloadData
	l.enqueue(cs, session.RespOK)
	// Chunks follow as the OK write drains.
}

// pumpDownloadChunk queues the next file chunk. Called only on write-drain
// events, so a slow reader parks this connection without stalling the loop.
func (l *eventLoop) pumpDownloadChunk(cs *connState) {
	want := int64(l.chunk)
	if want > cs.remaining {
		want = cs.remaining
	}

	buf := make([]byte, want)
	n, err := cs.download.Read(buf)
	if n > 0 {
		cs.remaining -= int64(n)
		l.enqueueRaw(cs, buf[:n])
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "pumpDownloadChunk",
			"conn_id":  cs.id,
			"name":     cs.name,
			"error":    err.Error(),
		}).Error("Download read failed")
		l.finishDownload(cs)
		return
	}
	if cs.remaining == 0 {
		l.finishDownload(cs)
	}
}

func (l *eventLoop) finishDownload(cs *connState) {
	if cs.download != nil {
		cs.download.Close()
		cs.download = nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "finishDownload",
		"conn_id":  cs.id,
		"name":     cs.name,
	}).Info("Download streamed")
	cs.phase = phaseIdle
	// Commands may already be buffered behind the negotiation.
	l.drive(cs)
}

// enqueue queues an outbound message line, keeping at most one buffer in
// flight with the writer pump.
func (l *eventLoop) enqueue(cs *connState, line string) {
	l.enqueueRaw(cs, append([]byte(line), '\n'))
}

// enqueueRaw queues outbound bytes without framing.
func (l *eventLoop) enqueueRaw(cs *connState, buf []byte) {
	if cs.inflight {
		cs.outq = append(cs.outq, buf)
		return
	}
	cs.inflight = true
	cs.writeq <- buf
}

// onDrained advances the outbound side after the writer pump finishes a
// buffer: first queued buffers, then the next download chunk, then a
// pending close.
func (l *eventLoop) onDrained(cs *connState) {
	cs.inflight = false

	if len(cs.outq) > 0 {
		next := cs.outq[0]
		cs.outq = cs.outq[1:]
		cs.inflight = true
		cs.writeq <- next
		return
	}

	if cs.phase == phaseDownloadData {
		l.pumpDownloadChunk(cs)
		return
	}

	if cs.closing {
		l.teardown(cs)
	}
}

// teardown releases everything a connection owns. Failure and disconnects
// are always scoped to the one connection.
func (l *eventLoop) teardown(cs *connState) {
	if _, alive := l.conns[cs.id]; !alive {
		return
	}
	delete(l.conns, cs.id)

	if cs.upload != nil {
		cs.upload.Close()
	}
	if cs.download != nil {
		cs.download.Close()
	}
	if cs.locked {
		l.store.Release(cs.name)
	}
	close(cs.writeq)
	cs.conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "teardown",
		"conn_id":  cs.id,
	}).Info("Event-loop session closed")
}
