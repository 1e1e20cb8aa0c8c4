// Package connection fetches segment bytes: raw HTTP/1.1 connections over
// pooled sockets, stream-URL connections over seekable streams, the chunk
// sources reading from them and the background downloader filling buffered
// sources.
package connection

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmylchreest/abrplay/internal/manifest"
)

// ByteRange selects part of a resource. The zero value selects the whole
// resource; build restricting ranges with Bytes or BytesFrom.
type ByteRange struct {
	Start uint64
	// End is inclusive and ignored for open ranges.
	End  uint64
	set  bool
	open bool
}

// Bytes returns the inclusive range [start, end].
func Bytes(start, end uint64) ByteRange {
	return ByteRange{Start: start, End: end, set: true}
}

// BytesFrom returns the range from start to the end of the resource.
func BytesFrom(start uint64) ByteRange {
	return ByteRange{Start: start, set: true, open: true}
}

// Valid reports whether the range restricts the request.
func (r ByteRange) Valid() bool {
	return r.set && (r.open || r.End >= r.Start)
}

// Open reports whether the range runs to the end of the resource.
func (r ByteRange) Open() bool {
	return r.open
}

// Length returns the number of bytes selected by a closed range, zero when
// the range is open or invalid.
func (r ByteRange) Length() uint64 {
	if !r.Valid() || r.open {
		return 0
	}
	return r.End - r.Start + 1
}

// Header returns the Range header value.
func (r ByteRange) Header() string {
	if r.open {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Params identifies a request target.
type Params struct {
	URL    string
	Scheme string
	Host   string
	Port   int
	// Path is the request target: escaped path plus query.
	Path string
}

// ParseParams splits rawURL into connection parameters. Missing ports default
// to the scheme's well-known port.
func ParseParams(rawURL string) (Params, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Params{}, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}

	p := Params{
		URL:    rawURL,
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Path:   u.EscapedPath(),
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if u.RawQuery != "" {
		p.Path += "?" + u.RawQuery
	}

	if port := u.Port(); port != "" {
		p.Port, err = strconv.Atoi(port)
		if err != nil {
			return Params{}, fmt.Errorf("parsing port of %q: %w", rawURL, err)
		}
	} else {
		p.Port = defaultPort(p.Scheme)
	}
	return p, nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 0
	}
}

// SameTarget reports whether p and o address the same host, scheme and port.
func (p Params) SameTarget(o Params) bool {
	return p.Host == o.Host && p.Scheme == o.Scheme && p.Port == o.Port
}

// HostPort returns the Host header value: the port is omitted when it is the
// scheme default.
func (p Params) HostPort() string {
	if p.Port == 0 || p.Port == defaultPort(p.Scheme) {
		if strings.Contains(p.Host, ":") {
			return "[" + p.Host + "]"
		}
		return p.Host
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Params) String() string {
	return p.URL
}

// ChunkRequest asks for the bytes of one segment.
type ChunkRequest struct {
	URL   string
	Range ByteRange
	// SetID attributes download rates to an adaptation set.
	SetID manifest.ID
}
