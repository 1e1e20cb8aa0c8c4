// Package httpclient provides the http.RoundTripper used by net/http backed
// connections: per-host circuit breakers and a default User-Agent.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jmylchreest/abrplay/internal/observability"
)

// ErrCircuitOpen is returned while a host's circuit breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Default configuration values.
const (
	DefaultCircuitThreshold   = 5
	DefaultCircuitTimeout     = 10 * time.Second
	DefaultCircuitHalfOpenMax = 1
)

// Config holds the configuration of a Transport.
type Config struct {
	// CircuitThreshold is the number of consecutive failures opening a host's circuit.
	CircuitThreshold int
	// CircuitTimeout is how long an open circuit rejects requests.
	CircuitTimeout time.Duration
	// CircuitHalfOpenMax is the number of probes let through a half-open circuit.
	CircuitHalfOpenMax int
	// UserAgent is set on requests that carry none.
	UserAgent string
	Logger    *slog.Logger
	// Base performs the requests. Nil uses http.DefaultTransport.
	Base http.RoundTripper
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CircuitThreshold:   DefaultCircuitThreshold,
		CircuitTimeout:     DefaultCircuitTimeout,
		CircuitHalfOpenMax: DefaultCircuitHalfOpenMax,
	}
}

// Transport guards each host with its own circuit breaker. Transport errors,
// 5xx and 429 replies count as failures.
type Transport struct {
	config   Config
	base     http.RoundTripper
	breakers *xsync.MapOf[string, *CircuitBreaker]
	logger   *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport creates a transport. Zero circuit settings take the defaults.
func NewTransport(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = def.CircuitThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if cfg.CircuitHalfOpenMax <= 0 {
		cfg.CircuitHalfOpenMax = def.CircuitHalfOpenMax
	}
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		config:   cfg,
		base:     base,
		breakers: xsync.NewMapOf[string, *CircuitBreaker](),
		logger:   observability.WithComponent(observability.OrDefault(cfg.Logger), "httpclient"),
	}
}

// NewClient returns an http.Client over a new Transport.
func NewClient(cfg Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(cfg), Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	breaker := t.breaker(req.URL.Host)
	if !breaker.Allow() {
		t.logger.Debug("circuit breaker open, rejecting request",
			slog.String("url", ObfuscateURL(req.URL)),
			slog.String("state", breaker.State().String()))
		return nil, fmt.Errorf("%s: %w", req.URL.Host, ErrCircuitOpen)
	}

	if t.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.config.UserAgent)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// Caller cancellation says nothing about the host.
		if !errors.Is(err, context.Canceled) {
			breaker.RecordFailure()
		}
		t.logger.Debug("request failed",
			slog.String("url", ObfuscateURL(req.URL)),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, err
	}

	if isFailureStatus(resp.StatusCode) {
		breaker.RecordFailure()
		t.logger.Debug("failure status",
			slog.String("url", ObfuscateURL(req.URL)),
			slog.Int("status", resp.StatusCode),
			slog.String("circuit", breaker.State().String()))
	} else {
		breaker.RecordSuccess()
	}
	return resp, nil
}

// State returns the circuit state of host.
func (t *Transport) State(host string) CircuitState {
	if b, ok := t.breakers.Load(host); ok {
		return b.State()
	}
	return CircuitClosed
}

func (t *Transport) breaker(host string) *CircuitBreaker {
	b, _ := t.breakers.LoadOrCompute(host, func() *CircuitBreaker {
		return NewCircuitBreaker(t.config.CircuitThreshold, t.config.CircuitTimeout, t.config.CircuitHalfOpenMax)
	})
	return b
}

func isFailureStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// ObfuscateURL returns u with credential-like query parameters masked.
func ObfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	sanitized := *u
	sanitized.User = nil
	query := sanitized.Query()
	for _, param := range []string{"password", "pass", "token", "api_key", "apikey", "key", "secret", "auth", "sig", "signature"} {
		if query.Has(param) {
			query.Set(param, "***")
		}
	}
	sanitized.RawQuery = query.Encode()
	return sanitized.String()
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

// Circuit breaker states.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           CircuitState
	failures        int
	threshold       int
	timeout         time.Duration
	halfOpenMax     int
	halfOpenCount   int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration, halfOpenMax int) *CircuitBreaker {
	return &CircuitBreaker{
		state:       CircuitClosed,
		threshold:   threshold,
		timeout:     timeout,
		halfOpenMax: halfOpenMax,
	}
}

// Allow reports whether a request may proceed. An open circuit turns
// half-open once its timeout elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenCount = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.halfOpenCount = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// on any failure while half-open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.threshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
