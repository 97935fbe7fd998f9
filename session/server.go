package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sovok1917/network-labs/storage"
	"github.com/Sovok1917/network-labs/transport"
)

// DefaultChunkSize is the raw-data granularity for transfer streaming.
// Every received chunk is appended and synced before the next one is
// requested.
const DefaultChunkSize = 65536

// Handler drives server-side sessions: it runs the idle command loop and
// the upload/download negotiations against one storage root. A single
// Handler serves many sessions concurrently; per-session state lives on the
// stack of Handle.
type Handler struct {
	store *storage.Store
	chunk int
	now   func() time.Time
}

// NewHandler creates a session handler over store.
func NewHandler(store *storage.Store) *Handler {
	return &Handler{
		store: store,
		chunk: DefaultChunkSize,
		now:   time.Now,
	}
}

// SetClock replaces the TIME source, for deterministic tests.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// Handle runs the command loop until the client sends CLOSE, disconnects,
// or the transport times out. Every failure is scoped to this session.
func (h *Handler) Handle(t transport.MessageTransport) {
	for {
		line, err := t.ReceiveLine()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handle",
				"error":    err.Error(),
			}).Info("Session ended")
			return
		}

		if done := h.dispatch(t, line); done {
			return
		}
	}
}

// HandleOnce serves exactly one request/response cycle. Datagram-mode
// sessions live for a single cycle: created on the first datagram,
// destroyed when the exchange completes.
func (h *Handler) HandleOnce(t transport.MessageTransport) error {
	line, err := t.ReceiveLine()
	if err != nil {
		return err
	}

	h.dispatch(t, line)
	return nil
}

// dispatch executes one command line. It reports true when the session
// should terminate.
func (h *Handler) dispatch(t transport.MessageTransport, line string) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		_ = t.SendMessage(FormatError("empty command"))
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"verb":     cmd.Verb,
		"args":     len(cmd.Args),
	}).Debug("Dispatching command")

	switch cmd.Verb {
	case CmdEcho:
		_ = t.SendMessage(strings.Join(cmd.Args, " "))
	case CmdTime:
		_ = t.SendMessage(h.now().Format(TimeLayout))
	case CmdList:
		_ = t.SendMessage(h.listReply())
	case CmdClose:
		_ = t.SendMessage(RespBye)
		return true
	case CmdUpload:
		if err := h.handleUpload(t, cmd.Args); err != nil {
			h.reportFailure(t, "handleUpload", err)
			return fatalToSession(err)
		}
	case CmdDownload:
		if err := h.handleDownload(t, cmd.Args); err != nil {
			h.reportFailure(t, "handleDownload", err)
			return fatalToSession(err)
		}
	default:
		_ = t.SendMessage(FormatError("unknown command"))
	}

	return false
}

// listReply formats the LIST response.
func (h *Handler) listReply() string {
	names, err := h.store.List()
	if err != nil {
		return FormatError(err.Error())
	}
	if len(names) == 0 {
		return "No files on server."
	}
	return strings.Join(names, ", ")
}

// reportFailure answers a failed transfer with an ERROR: line where the
// connection still permits it, and logs it locally.
func (h *Handler) reportFailure(t transport.MessageTransport, op string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": op,
		"error":    err.Error(),
	}).Warn("Transfer failed")

	if !fatalToSession(err) {
		_ = t.SendMessage(FormatError(err.Error()))
	}
}

// fatalToSession reports whether the session cannot continue after err.
// Peer loss and transfer timeouts end the session; protocol and filesystem
// errors do not.
func fatalToSession(err error) bool {
	return errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrTimeout)
}

// handleUpload negotiates and receives one upload.
//
// Exchange: OFFSET <cur> <checksum> is offered; the client answers OK to
// resume at cur, RESTART to truncate and start over (answered with READY),
// or ABORT to refuse. The raw phase then carries exactly the remaining
// bytes, each chunk appended and synced before the next.
func (h *Handler) handleUpload(t transport.MessageTransport, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: UPLOAD needs <name> <size>", ErrProtocol)
	}

	name, err := storage.SanitizeName(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad size %q", ErrProtocol, args[1])
	}

	if err := h.store.Acquire(name); err != nil {
		return err
	}
	defer h.store.Release(name)

	cur := h.store.Size(name)
	if cur >= size && size > 0 {
		// The stored copy already covers the offered size. Resuming would
		// either be a no-op or silently overwrite different content.
		return fmt.Errorf("%w: file already complete", ErrProtocol)
	}

	checksum, err := h.store.ChecksumPrefix(name, cur)
	if err != nil {
		return err
	}
	if err := t.SendMessage(FormatOffset(cur, checksum)); err != nil {
		return err
	}

	reply, err := t.ReceiveLine()
	if err != nil {
		return err
	}
	if reply == RespAbort {
		logrus.WithFields(logrus.Fields{
			"function": "handleUpload",
			"name":     name,
		}).Info("Upload aborted by client")
		return nil
	}

	w, err := h.store.AppendWriter(name)
	if err != nil {
		return err
	}
	defer w.Close()

	offset := cur
	switch reply {
	case RespOK:
		// Client's prefix matches; append from cur.
	case RespRestart:
		if err := w.Truncate(); err != nil {
			return err
		}
		offset = 0
		if err := t.SendMessage(RespReady); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: expected OK, RESTART or ABORT, got %q", ErrProtocol, reply)
	}

	if size == 0 && cur > 0 {
		// Zero-length source replacing stored content.
		if err := w.Truncate(); err != nil {
			return err
		}
	}

	if err := h.receiveBytes(t, w, size-offset); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleUpload",
		"name":     name,
		"size":     size,
		"resumed":  offset,
	}).Info("Upload complete")

	return t.SendMessage(RespUploadComplete)
}

// receiveBytes appends exactly remaining raw bytes to w, chunk by chunk.
func (h *Handler) receiveBytes(t transport.MessageTransport, w *storage.AppendWriter, remaining int64) error {
	for remaining > 0 {
		want := int64(h.chunk)
		if want > remaining {
			want = remaining
		}

		data, err := t.ReceiveRaw(int(want))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		remaining -= int64(len(data))
	}
	return nil
}

// handleDownload negotiates and streams one download.
//
// Exchange: SIZE <n> is offered; the client answers OFFSET <cur> <checksum>
// for what it already holds, or ABORT. A checksum mismatch is answered with
// RESTART, after which the client discards its partial copy and resends
// OFFSET 0 0. On a match the server answers OK and streams the remaining
// bytes from cur.
func (h *Handler) handleDownload(t transport.MessageTransport, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: DOWNLOAD needs <name>", ErrProtocol)
	}

	name, err := storage.SanitizeName(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if !h.store.Exists(name) {
		_ = t.SendMessage("ERROR: not found")
		return nil
	}
	size := h.store.Size(name)

	if err := t.SendMessage(FormatSize(size)); err != nil {
		return err
	}

	offset, err := h.negotiateDownloadOffset(t, name, size)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return nil
		}
		return err
	}

	if err := t.SendMessage(RespOK); err != nil {
		return err
	}

	if err := h.sendBytes(t, name, offset, size-offset); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleDownload",
		"name":     name,
		"size":     size,
		"resumed":  offset,
	}).Info("Download streamed")

	return nil
}

// negotiateDownloadOffset verifies the client's claimed prefix against the
// stored copy. Divergent prefixes are forced back to a full restart so a
// resume can never splice mismatched content.
func (h *Handler) negotiateDownloadOffset(t transport.MessageTransport, name string, size int64) (int64, error) {
	for {
		line, err := t.ReceiveLine()
		if err != nil {
			return 0, err
		}
		if line == RespAbort {
			logrus.WithFields(logrus.Fields{
				"function": "negotiateDownloadOffset",
				"name":     name,
			}).Info("Download aborted by client")
			return 0, ErrAborted
		}

		offset, checksum, err := ParseOffset(line)
		if err != nil {
			return 0, err
		}

		if offset == 0 {
			return 0, nil
		}

		if offset <= size {
			ours, err := h.store.ChecksumPrefix(name, offset)
			if err != nil {
				return 0, err
			}
			if ours == checksum {
				return offset, nil
			}
		}

		logrus.WithFields(logrus.Fields{
			"function": "negotiateDownloadOffset",
			"name":     name,
			"offset":   offset,
		}).Info("Resume checksum mismatch, forcing restart")

		if err := t.SendMessage(RespRestart); err != nil {
			return 0, err
		}
	}
}

// sendBytes streams count raw bytes of name starting at offset.
func (h *Handler) sendBytes(t transport.MessageTransport, name string, offset, count int64) error {
	if count == 0 {
		return nil
	}

	f, err := h.store.OpenAt(name, offset)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, h.chunk)
	for count > 0 {
		want := int64(len(buf))
		if want > count {
			want = count
		}

		n, err := f.Read(buf[:want])
		if n > 0 {
			if err := t.SendRaw(buf[:n]); err != nil {
				return err
			}
			count -= int64(n)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
	}
	return nil
}
