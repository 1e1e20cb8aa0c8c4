package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jmylchreest/abrplay/internal/observability"
)

// Downloader fills buffered chunk sources on a bounded worker pool.
type Downloader struct {
	logger    *slog.Logger
	pool      *ants.Pool
	limiter   *HostLimiter
	blockSize int

	ctx    context.Context
	cancel context.CancelFunc
	jobs   *xsync.MapOf[uuid.UUID, *downloadJob]
	wg     sync.WaitGroup
}

type downloadJob struct {
	source *BufferedChunkSource
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDownloader creates a downloader with workers goroutines reading
// blockSize bytes per step. limiter may be nil.
func NewDownloader(workers, blockSize int, limiter *HostLimiter, logger *slog.Logger) (*Downloader, error) {
	if workers <= 0 {
		workers = 1
	}
	if blockSize <= 0 {
		blockSize = 32 * 1024
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating download pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Downloader{
		logger:    observability.WithComponent(observability.OrDefault(logger), "downloader"),
		pool:      pool,
		limiter:   limiter,
		blockSize: blockSize,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      xsync.NewMapOf[uuid.UUID, *downloadJob](),
	}, nil
}

// Schedule starts downloading src in the background.
func (d *Downloader) Schedule(src *BufferedChunkSource) error {
	if d.ctx.Err() != nil {
		return ErrManagerClosed
	}

	ctx, cancel := context.WithCancel(d.ctx)
	job := &downloadJob{source: src, cancel: cancel, done: make(chan struct{})}
	if _, loaded := d.jobs.LoadOrStore(src.ID(), job); loaded {
		cancel()
		return nil
	}

	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		d.run(ctx, job)
	})
	if err != nil {
		d.wg.Done()
		d.jobs.Delete(src.ID())
		cancel()
		close(job.done)
		return fmt.Errorf("scheduling download: %w", err)
	}
	return nil
}

func (d *Downloader) run(ctx context.Context, job *downloadJob) {
	defer close(job.done)
	defer d.jobs.Delete(job.source.ID())
	defer job.cancel()

	src := job.source
	if d.limiter != nil {
		release, err := d.limiter.Acquire(ctx, src.host)
		if err != nil {
			src.fail(err)
			return
		}
		defer release()
	}

	for ctx.Err() == nil {
		if !src.bufferize(ctx, d.blockSize) {
			return
		}
	}
	src.fail(ctx.Err())
}

// Cancel stops the download of src and waits for its worker to let go of it.
func (d *Downloader) Cancel(src *BufferedChunkSource) {
	job, ok := d.jobs.Load(src.ID())
	if !ok {
		return
	}
	job.cancel()
	<-job.done
}

// Pending returns the number of scheduled or running downloads.
func (d *Downloader) Pending() int {
	return d.jobs.Size()
}

// Close cancels every download and stops the workers.
func (d *Downloader) Close() {
	d.cancel()
	d.wg.Wait()
	d.pool.Release()
	if d.limiter != nil {
		d.limiter.Close()
	}
	d.logger.Debug("downloader stopped")
}
