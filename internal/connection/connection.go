package connection

import (
	"context"
)

// Connection carries one request at a time to a target.
//
// A connection is handed out by the Manager with Prepare and SetUsed(true),
// issues a Request, is read until its content length is satisfied and is
// handed back with SetUsed(false), which keeps a drained persistent
// connection open for reuse and disconnects any other.
type Connection interface {
	// Prepare binds the connection to p. It fails when the connection is in use.
	Prepare(p Params) bool
	// CanReuse reports whether the idle connection can serve p.
	CanReuse(p Params) bool
	// Request issues a GET for path, restricted to r when valid.
	Request(ctx context.Context, path string, r ByteRange) error
	// Read reads the reply body. It returns io.EOF once the body is consumed.
	Read(ctx context.Context, p []byte) (int, error)
	// ContentLength is the expected body size, zero when unknown.
	ContentLength() uint64
	SetUsed(used bool)
	Disconnect()
	Params() Params
}
