package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxLineLength bounds a reply status or header line.
const maxLineLength = 8 * 1024

// Socket is a secure or plain byte-stream socket.
type Socket interface {
	Connect(ctx context.Context, host string, port int) error
	Connected() bool
	Send(p []byte) error
	// Read fills p unless the peer closes first; a short read returns the
	// bytes received together with io.ErrUnexpectedEOF or io.EOF.
	Read(p []byte) (int, error)
	// ReadLine returns one line without its CRLF terminator.
	ReadLine() (string, error)
	Disconnect() error
}

// TCPSocket is a plain TCP socket.
type TCPSocket struct {
	dialer      net.Dialer
	readTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPSocket creates an unconnected TCP socket. Zero timeouts disable the
// corresponding deadline.
func NewTCPSocket(connectTimeout, readTimeout time.Duration) *TCPSocket {
	return &TCPSocket{
		dialer:      net.Dialer{Timeout: connectTimeout},
		readTimeout: readTimeout,
	}
}

// Connect dials host:port, dropping any previous connection.
func (s *TCPSocket) Connect(ctx context.Context, host string, port int) error {
	conn, err := s.dial(ctx, host, port)
	if err != nil {
		return err
	}
	s.attach(conn)
	return nil
}

func (s *TCPSocket) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	if host == "" {
		return nil, ErrEmptyHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, nil
}

func (s *TCPSocket) attach(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.reader = bufio.NewReaderSize(conn, 16*1024)
}

// Connected reports whether a connection is open.
func (s *TCPSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *TCPSocket) current() (net.Conn, *bufio.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return s.conn, s.reader, nil
}

// Send writes p completely.
func (s *TCPSocket) Send(p []byte) error {
	conn, _, err := s.current()
	if err != nil {
		return err
	}
	if s.readTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	}
	_, err = conn.Write(p)
	return err
}

// Read implements Socket.
func (s *TCPSocket) Read(p []byte) (int, error) {
	conn, r, err := s.current()
	if err != nil {
		return 0, err
	}
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	return io.ReadFull(r, p)
}

// ReadLine implements Socket.
func (s *TCPSocket) ReadLine() (string, error) {
	conn, r, err := s.current()
	if err != nil {
		return "", err
	}
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	var line []byte
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, frag...)
		if len(line) > maxLineLength {
			return "", errors.New("connection: line too long")
		}
		if !isPrefix {
			break
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}

// Disconnect closes the connection. It is a no-op when not connected.
func (s *TCPSocket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.reader = nil
	return err
}

// TLSSocket is a TCP socket carrying a TLS session.
type TLSSocket struct {
	*TCPSocket
	config *tls.Config
}

// NewTLSSocket creates an unconnected TLS socket. config may be nil; the
// server name is always set from the connected host.
func NewTLSSocket(config *tls.Config, connectTimeout, readTimeout time.Duration) *TLSSocket {
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &TLSSocket{
		TCPSocket: NewTCPSocket(connectTimeout, readTimeout),
		config:    config,
	}
}

// Connect dials host:port and completes the TLS handshake.
func (s *TLSSocket) Connect(ctx context.Context, host string, port int) error {
	raw, err := s.dial(ctx, host, port)
	if err != nil {
		return err
	}

	cfg := s.config.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	s.attach(conn)
	return nil
}
