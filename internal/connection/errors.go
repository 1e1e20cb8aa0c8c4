package connection

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection handling.
var (
	ErrUnsupportedScheme = errors.New("connection: unsupported scheme")
	ErrEmptyHost         = errors.New("connection: empty host")
	ErrInvalidHost       = errors.New("connection: invalid host")
	ErrNotConnected      = errors.New("connection: not connected")
	ErrUnavailable       = errors.New("connection: already in use")
	ErrEmptyReply        = errors.New("connection: empty reply")
	ErrManagerClosed     = errors.New("connection: manager closed")
	ErrPoolExhausted     = errors.New("connection: host limit exhausted")
	ErrPoolClosed        = errors.New("connection: host limiter closed")
)

// ReplyError is a reply the client does not accept: a protocol other than
// HTTP/1.x or a status other than 200 and 206. It is never retried.
type ReplyError struct {
	Line string
	Code int
}

func (e *ReplyError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("connection: unexpected reply status %d (%q)", e.Code, e.Line)
	}
	return fmt.Sprintf("connection: unsupported reply %q", e.Line)
}
