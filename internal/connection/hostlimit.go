package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// HostLimiterConfig bounds concurrent background downloads.
type HostLimiterConfig struct {
	// MaxPerHost is the maximum concurrent downloads per host (0 = unlimited).
	MaxPerHost int
	// GlobalMax is the total maximum concurrent downloads (0 = unlimited).
	GlobalMax int
	// AcquireTimeout is how long to wait for a slot (0 = until ctx is done).
	AcquireTimeout time.Duration
}

// HostLimiter hands out download slots per host.
type HostLimiter struct {
	config HostLimiterConfig

	mu      sync.Mutex
	closed  bool
	hosts   map[string]int
	global  int
	waiters map[string][]chan struct{}
}

// NewHostLimiter creates a limiter.
func NewHostLimiter(config HostLimiterConfig) *HostLimiter {
	return &HostLimiter{
		config:  config,
		hosts:   make(map[string]int),
		waiters: make(map[string][]chan struct{}),
	}
}

// Acquire takes a slot for host. The returned function releases it and must
// be called exactly once.
func (l *HostLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if l.canAcquireLocked(host) {
		l.takeLocked(host)
		l.mu.Unlock()
		return l.releaseFunc(host), nil
	}

	waiter := make(chan struct{}, 1)
	l.waiters[host] = append(l.waiters[host], waiter)
	l.mu.Unlock()

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.config.AcquireTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, l.config.AcquireTimeout)
	}
	defer cancel()

	select {
	case _, ok := <-waiter:
		l.mu.Lock()
		defer l.mu.Unlock()
		if !ok || l.closed {
			return nil, ErrPoolClosed
		}
		l.takeLocked(host)
		return l.releaseFunc(host), nil

	case <-waitCtx.Done():
		l.mu.Lock()
		l.removeWaiterLocked(host, waiter)
		l.mu.Unlock()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, waitCtx.Err()
	}
}

func (l *HostLimiter) canAcquireLocked(host string) bool {
	if l.config.GlobalMax > 0 && l.global >= l.config.GlobalMax {
		return false
	}
	if l.config.MaxPerHost > 0 && l.hosts[host] >= l.config.MaxPerHost {
		return false
	}
	return true
}

func (l *HostLimiter) takeLocked(host string) {
	l.hosts[host]++
	l.global++
}

func (l *HostLimiter) releaseFunc(host string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(host) })
	}
}

func (l *HostLimiter) release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hosts[host] > 0 {
		l.hosts[host]--
		if l.hosts[host] == 0 {
			delete(l.hosts, host)
		}
	}
	if l.global > 0 {
		l.global--
	}

	if l.wakeLocked(host) {
		return
	}
	for h := range l.waiters {
		if l.canAcquireLocked(h) && l.wakeLocked(h) {
			return
		}
	}
}

// wakeLocked signals the oldest waiter of host.
func (l *HostLimiter) wakeLocked(host string) bool {
	ws := l.waiters[host]
	if len(ws) == 0 {
		return false
	}
	l.waiters[host] = ws[1:]
	if len(l.waiters[host]) == 0 {
		delete(l.waiters, host)
	}
	select {
	case ws[0] <- struct{}{}:
	default:
	}
	return true
}

func (l *HostLimiter) removeWaiterLocked(host string, waiter chan struct{}) {
	ws := l.waiters[host]
	for i, w := range ws {
		if w == waiter {
			l.waiters[host] = append(ws[:i], ws[i+1:]...)
			if len(l.waiters[host]) == 0 {
				delete(l.waiters, host)
			}
			return
		}
	}
}

// Close fails pending and future acquisitions.
func (l *HostLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, ws := range l.waiters {
		for _, w := range ws {
			close(w)
		}
	}
	l.waiters = nil
}

// HostLimiterStats is a snapshot of slot usage.
type HostLimiterStats struct {
	Global  int            `json:"global"`
	Hosts   map[string]int `json:"hosts"`
	Waiting int            `json:"waiting"`
}

// Stats returns current slot usage.
func (l *HostLimiter) Stats() HostLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	hosts := make(map[string]int, len(l.hosts))
	for h, n := range l.hosts {
		hosts[h] = n
	}
	waiting := 0
	for _, ws := range l.waiters {
		waiting += len(ws)
	}
	return HostLimiterStats{Global: l.global, Hosts: hosts, Waiting: waiting}
}
