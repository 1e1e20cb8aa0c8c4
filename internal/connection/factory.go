package connection

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"golang.org/x/net/http/httpguts"

	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/httpclient"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/version"
)

// Factory creates connections on a pool miss.
type Factory interface {
	CreateConnection(p Params) (Connection, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(p Params) (Connection, error)

// CreateConnection implements Factory.
func (f FactoryFunc) CreateConnection(p Params) (Connection, error) {
	return f(p)
}

// HTTPFactory creates HTTP connections over TCP or TLS sockets. TLS
// connections are not persistent.
type HTTPFactory struct {
	cfg       config.HTTPConfig
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// NewHTTPFactory creates a factory for http and https targets.
func NewHTTPFactory(cfg config.HTTPConfig, tlsConfig *tls.Config, logger *slog.Logger) *HTTPFactory {
	return &HTTPFactory{cfg: cfg, tlsConfig: tlsConfig, logger: observability.OrDefault(logger)}
}

// CreateConnection implements Factory.
func (f *HTTPFactory) CreateConnection(p Params) (Connection, error) {
	if p.Scheme != "http" && p.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, p.Scheme)
	}
	if p.Host == "" {
		return nil, ErrEmptyHost
	}
	if !httpguts.ValidHostHeader(p.HostPort()) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHost, p.Host)
	}

	var socket Socket
	if p.Scheme == "https" {
		socket = NewTLSSocket(f.tlsConfig, f.cfg.ConnectTimeout, f.cfg.ReadTimeout)
	} else {
		socket = NewTCPSocket(f.cfg.ConnectTimeout, f.cfg.ReadTimeout)
	}
	return NewHTTPConnection(socket, p.Scheme != "https", userAgent(f.cfg), f.logger), nil
}

// StreamFactory creates stream-URL connections.
type StreamFactory struct {
	opener StreamOpener
	logger *slog.Logger
}

// NewStreamFactory creates a factory opening streams with opener.
func NewStreamFactory(opener StreamOpener, logger *slog.Logger) *StreamFactory {
	return &StreamFactory{opener: opener, logger: observability.OrDefault(logger)}
}

// CreateConnection implements Factory.
func (f *StreamFactory) CreateConnection(p Params) (Connection, error) {
	switch p.Scheme {
	case "", "file":
	case "http", "https":
		if p.Host == "" {
			return nil, ErrEmptyHost
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, p.Scheme)
	}
	return NewStreamConnection(f.opener, f.logger), nil
}

// NewFactory returns the factory selected by cfg: every target goes through
// stream connections with UseAccess, otherwise http and https use raw HTTP
// connections and local files use stream connections.
func NewFactory(cfg config.HTTPConfig, fs afero.Fs, logger *slog.Logger) Factory {
	opener := SchemeOpener{
		Files: FileOpener{Fs: fs},
		Web: HTTPOpener{
			Client: httpclient.NewClient(httpclient.Config{
				UserAgent: userAgent(cfg),
				Logger:    logger,
			}, cfg.ReadTimeout),
			UserAgent: userAgent(cfg),
		},
	}
	streams := NewStreamFactory(opener, logger)
	if cfg.UseAccess {
		return streams
	}

	web := NewHTTPFactory(cfg, nil, logger)
	return FactoryFunc(func(p Params) (Connection, error) {
		if p.Scheme == "" || p.Scheme == "file" {
			return streams.CreateConnection(p)
		}
		return web.CreateConnection(p)
	})
}

func userAgent(cfg config.HTTPConfig) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}
	return version.UserAgent()
}
