package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command verbs accepted on a session's command line.
const (
	CmdEcho     = "ECHO"
	CmdTime     = "TIME"
	CmdList     = "LIST"
	CmdClose    = "CLOSE"
	CmdUpload   = "UPLOAD"
	CmdDownload = "DOWNLOAD"
)

// Protocol responses.
const (
	RespOK             = "OK"
	RespRestart        = "RESTART"
	RespReady          = "READY"
	RespAbort          = "ABORT"
	RespBye            = "BYE"
	RespUploadComplete = "UPLOAD COMPLETE"
)

// TimeLayout is the wire format of the TIME response.
const TimeLayout = "2006-01-02 15:04:05"

// ErrProtocol indicates a malformed or out-of-sequence command. It is
// answered with an ERROR: line; the session continues.
var ErrProtocol = errors.New("protocol error")

// ErrAborted indicates the peer refused the transfer with ABORT. The
// session returns to its idle command loop.
var ErrAborted = errors.New("transfer aborted by peer")

// ErrRemote carries an ERROR: reply received from the peer.
var ErrRemote = errors.New("server error")

// Command is one parsed command line.
type Command struct {
	Verb string
	Args []string
}

// ParseCommand tokenizes a command line. The verb is case-insensitive;
// arguments are passed through verbatim.
func ParseCommand(line string) (Command, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), " ")
	if len(fields) == 0 || fields[0] == "" {
		return Command{}, fmt.Errorf("%w: empty command line", ErrProtocol)
	}
	return Command{Verb: strings.ToUpper(fields[0]), Args: fields[1:]}, nil
}

// FormatOffset builds an "OFFSET <n> <checksum>" negotiation line.
func FormatOffset(offset int64, checksum string) string {
	return fmt.Sprintf("OFFSET %d %s", offset, checksum)
}

// FormatSize builds a "SIZE <n>" reply.
func FormatSize(size int64) string {
	return fmt.Sprintf("SIZE %d", size)
}

// FormatError builds an "ERROR: <reason>" reply.
func FormatError(reason string) string {
	return "ERROR: " + reason
}

// ParseOffset extracts offset and checksum from an "OFFSET <n> [checksum]"
// line. A missing checksum field means the peer holds nothing and is
// treated as the empty-prefix sentinel.
func ParseOffset(line string) (int64, string, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "OFFSET" {
		return 0, "", fmt.Errorf("%w: expected OFFSET line, got %q", ErrProtocol, line)
	}

	offset, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || offset < 0 {
		return 0, "", fmt.Errorf("%w: bad offset in %q", ErrProtocol, line)
	}

	checksum := "0"
	if len(fields) >= 3 {
		checksum = fields[2]
	}
	return offset, checksum, nil
}

// ParseSize extracts the byte count from a "SIZE <n>" line, or surfaces an
// ERROR: reply as ErrRemote.
func ParseSize(line string) (int64, error) {
	if strings.HasPrefix(line, "ERROR") {
		return 0, fmt.Errorf("%w: %s", ErrRemote, line)
	}

	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "SIZE" {
		return 0, fmt.Errorf("%w: expected SIZE line, got %q", ErrProtocol, line)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad size in %q", ErrProtocol, line)
	}
	return size, nil
}
