package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sovok1917/network-labs/storage"
	"github.com/Sovok1917/network-labs/transport"
)

// ErrAlreadyComplete indicates the local copy already covers the remote
// file; the transfer was refused with ABORT instead of re-fetching.
var ErrAlreadyComplete = errors.New("local copy already complete")

// ProgressFunc observes transfer byte counters. Presentation (progress
// bars, speed readouts) consumes these counters outside the core.
type ProgressFunc func(transferred, total int64)

// Client issues commands and runs the client side of transfer
// negotiations over any MessageTransport. It is not safe for concurrent
// use; one Client owns one session.
type Client struct {
	t        transport.MessageTransport
	chunk    int
	progress ProgressFunc
}

// NewClient wraps an established transport.
func NewClient(t transport.MessageTransport) *Client {
	return &Client{t: t, chunk: DefaultChunkSize}
}

// OnProgress registers a byte-counter observer for transfers.
func (c *Client) OnProgress(fn ProgressFunc) {
	c.progress = fn
}

// Echo asks the server to echo text back and returns the reply.
func (c *Client) Echo(text string) (string, error) {
	if err := c.t.SendMessage(CmdEcho + " " + text); err != nil {
		return "", err
	}
	return c.t.ReceiveLine()
}

// Time returns the server's clock reading.
func (c *Client) Time() (string, error) {
	if err := c.t.SendMessage(CmdTime); err != nil {
		return "", err
	}
	return c.t.ReceiveLine()
}

// List returns the server's file listing line.
func (c *Client) List() (string, error) {
	if err := c.t.SendMessage(CmdList); err != nil {
		return "", err
	}
	return c.t.ReceiveLine()
}

// Close ends the session and releases the transport.
func (c *Client) Close() error {
	if err := c.t.SendMessage(CmdClose); err != nil {
		c.t.Close()
		return err
	}
	_, _ = c.t.ReceiveLine() // BYE
	return c.t.Close()
}

// Upload transfers the local file at path to the server under its
// basename, resuming from the server's verified offset when the stored
// prefix matches and restarting from zero when it does not.
func (c *Client) Upload(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	name := filepath.Base(path)

	if err := c.t.SendMessage(fmt.Sprintf("%s %s %d", CmdUpload, name, size)); err != nil {
		return err
	}

	reply, err := c.t.ReceiveLine()
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "ERROR") {
		return fmt.Errorf("%w: %s", ErrRemote, reply)
	}

	offset, remoteSum, err := ParseOffset(reply)
	if err != nil {
		return err
	}

	localSum, err := storage.ChecksumFilePrefix(path, offset)
	if err != nil {
		return err
	}

	if offset > 0 && localSum == remoteSum {
		logrus.WithFields(logrus.Fields{
			"function": "Upload",
			"name":     name,
			"offset":   offset,
		}).Info("Resuming upload")
		if err := c.t.SendMessage(RespOK); err != nil {
			return err
		}
	} else if offset > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Upload",
			"name":     name,
			"offset":   offset,
		}).Info("Stored prefix diverged, restarting upload")
		if err := c.t.SendMessage(RespRestart); err != nil {
			return err
		}
		ready, err := c.t.ReceiveLine()
		if err != nil {
			return err
		}
		if ready != RespReady {
			return fmt.Errorf("%w: expected READY, got %q", ErrProtocol, ready)
		}
		offset = 0
	} else {
		if err := c.t.SendMessage(RespOK); err != nil {
			return err
		}
	}

	if err := c.streamFile(path, offset, size); err != nil {
		return err
	}

	final, err := c.t.ReceiveLine()
	if err != nil {
		return err
	}
	if final != RespUploadComplete {
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, RespUploadComplete, final)
	}
	return nil
}

// streamFile sends bytes [offset, size) of the local file as raw chunks.
func (c *Client) streamFile(path string, offset, size int64) error {
	if size-offset == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return fmt.Errorf("seeking %s: %w", path, err)
	}

	sent := offset
	buf := make([]byte, c.chunk)
	for sent < size {
		want := size - sent
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}

		n, err := f.Read(buf[:want])
		if n > 0 {
			if err := c.t.SendRaw(buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			if c.progress != nil {
				c.progress(sent, size)
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%s shrank during upload", path)
			}
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return nil
}

// Download fetches the named remote file into destPath, resuming a
// matching local partial copy and discarding a divergent one when the
// server answers RESTART. A local copy that already covers the remote size
// aborts the transfer with ErrAlreadyComplete.
func (c *Client) Download(name, destPath string) error {
	if err := c.t.SendMessage(CmdDownload + " " + name); err != nil {
		return err
	}

	reply, err := c.t.ReceiveLine()
	if err != nil {
		return err
	}
	size, err := ParseSize(reply)
	if err != nil {
		return err
	}

	cur := localSize(destPath)
	if cur >= size && size > 0 {
		_ = c.t.SendMessage(RespAbort)
		return fmt.Errorf("%w: %s has %d of %d bytes", ErrAlreadyComplete, destPath, cur, size)
	}

	checksum, err := storage.ChecksumFilePrefix(destPath, cur)
	if err != nil {
		return err
	}
	if err := c.t.SendMessage(FormatOffset(cur, checksum)); err != nil {
		return err
	}

	verdict, err := c.t.ReceiveLine()
	if err != nil {
		return err
	}
	if verdict == RespRestart {
		logrus.WithFields(logrus.Fields{
			"function": "Download",
			"name":     name,
			"offset":   cur,
		}).Info("Local prefix diverged, discarding partial copy")

		if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discarding %s: %w", destPath, err)
		}
		cur = 0
		if err := c.t.SendMessage(FormatOffset(0, storage.EmptyChecksum)); err != nil {
			return err
		}
		verdict, err = c.t.ReceiveLine()
		if err != nil {
			return err
		}
	}
	if verdict != RespOK {
		return fmt.Errorf("%w: expected OK, got %q", ErrProtocol, verdict)
	}

	return c.receiveFile(destPath, cur, size)
}

// receiveFile appends the remaining bytes to destPath, flushing after
// every chunk.
func (c *Client) receiveFile(destPath string, offset, size int64) error {
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", destPath, err)
	}
	defer f.Close()

	received := offset
	for received < size {
		want := size - received
		if want > int64(c.chunk) {
			want = int64(c.chunk)
		}

		data, err := c.t.ReceiveRaw(int(want))
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("writing %s: %w", destPath, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", destPath, err)
		}

		received += int64(len(data))
		if c.progress != nil {
			c.progress(received, size)
		}
	}
	return nil
}

// localSize returns the size of an existing local file, or 0.
func localSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
