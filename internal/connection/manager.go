package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
)

// fetchBlockSize is the read size used by Fetch.
const fetchBlockSize = 64 * 1024

// RateObserver receives measured download rates.
type RateObserver interface {
	UpdateDownloadRate(id manifest.ID, size uint64, elapsed time.Duration)
}

// Manager pools connections and creates chunk sources over them.
type Manager struct {
	logger     *slog.Logger
	factory    Factory
	downloader *Downloader
	limiter    ratelimit.Limiter
	prefetch   bool

	mu     sync.Mutex
	pool   []Connection
	closed bool

	observerMu sync.RWMutex
	observer   RateObserver
}

// NewManager creates a manager. factory nil selects NewFactory(cfg.HTTP, nil).
func NewManager(cfg *config.Config, factory Factory, logger *slog.Logger) (*Manager, error) {
	logger = observability.WithComponent(observability.OrDefault(logger), "connection_manager")
	if factory == nil {
		factory = NewFactory(cfg.HTTP, nil, logger)
	}

	hosts := NewHostLimiter(HostLimiterConfig{MaxPerHost: cfg.HTTP.MaxPrefetchPerHost})
	downloader, err := NewDownloader(cfg.Downloader.Workers, cfg.HTTP.BlockSize.Int(), hosts, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.HTTP.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.HTTP.RequestsPerSecond)
	}

	return &Manager{
		logger:     logger,
		factory:    factory,
		downloader: downloader,
		limiter:    limiter,
		prefetch:   cfg.HTTP.Prefetch,
	}, nil
}

// GetConnection returns an idle pooled connection able to serve p, or a new
// one from the factory, marked in use.
func (m *Manager) GetConnection(p Params) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	for _, conn := range m.pool {
		if conn.CanReuse(p) && conn.Prepare(p) {
			conn.SetUsed(true)
			observability.ConnectionsReused.Inc()
			m.logger.Debug("connection reused",
				slog.String("host", p.Host),
				slog.Int("pool_size", len(m.pool)))
			return conn, nil
		}
	}

	conn, err := m.factory.CreateConnection(p)
	if err != nil {
		return nil, err
	}
	m.pool = append(m.pool, conn)
	if !conn.Prepare(p) {
		return nil, ErrUnavailable
	}
	conn.SetUsed(true)

	observability.ConnectionsCreated.WithLabelValues(p.Scheme).Inc()
	m.logger.Debug("connection created",
		slog.String("scheme", p.Scheme),
		slog.String("host", p.Host),
		slog.Int("port", p.Port),
		slog.Int("pool_size", len(m.pool)))
	return conn, nil
}

// PoolSize returns the number of pooled connections.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// ReleaseAll hands every pooled connection back.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked()
}

func (m *Manager) releaseAllLocked() {
	for _, conn := range m.pool {
		conn.SetUsed(false)
	}
}

// CloseAll releases and disconnects every pooled connection and empties the pool.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked()
	for _, conn := range m.pool {
		conn.Disconnect()
	}
	m.pool = nil
}

// Close cancels background downloads, then closes every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.downloader.Close()
	m.CloseAll()
}

// Start hands a buffered source to the downloader. Other sources are read
// on demand and are ignored.
func (m *Manager) Start(src ChunkSource) error {
	if b, ok := src.(*BufferedChunkSource); ok {
		return m.downloader.Schedule(b)
	}
	return nil
}

// Cancel stops the background download of a buffered source.
func (m *Manager) Cancel(src ChunkSource) {
	if b, ok := src.(*BufferedChunkSource); ok {
		m.downloader.Cancel(b)
	}
}

// SetRateObserver registers the single receiver of download rates.
func (m *Manager) SetRateObserver(o RateObserver) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.observer = o
}

// UpdateDownloadRate forwards a measurement to the rate observer.
func (m *Manager) UpdateDownloadRate(id manifest.ID, size uint64, elapsed time.Duration) {
	m.observerMu.RLock()
	o := m.observer
	m.observerMu.RUnlock()
	if o != nil {
		o.UpdateDownloadRate(id, size, elapsed)
	}
}

func (m *Manager) throttle() {
	m.limiter.Take()
}

// NewChunkSource creates a source for req. With prefetch enabled the chunk is
// downloaded in the background right away.
func (m *Manager) NewChunkSource(_ context.Context, req ChunkRequest) (ChunkSource, error) {
	p, err := ParseParams(req.URL)
	if err != nil {
		return nil, err
	}

	if !m.prefetch {
		return newHTTPChunkSource(m, p, req), nil
	}

	src := newBufferedChunkSource(m, p, req)
	if err := m.Start(src); err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

// Fetch downloads a whole resource through the pool. Rates are not reported.
func (m *Manager) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	p, err := ParseParams(rawURL)
	if err != nil {
		return nil, err
	}
	src := newHTTPChunkSource(m, p, ChunkRequest{URL: rawURL})
	src.reportRate = false
	defer src.Close()

	var out []byte
	for {
		data, err := src.Read(ctx, fetchBlockSize)
		out = append(out, data...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
		}
		if !src.HasMoreData() {
			return out, nil
		}
	}
}
