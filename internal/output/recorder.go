// Package output provides the downstream sinks of demuxed elementary streams.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/stream"
)

// ErrUnknownES is returned when a block targets an ES the recorder does not know.
var ErrUnknownES = errors.New("unknown elementary stream")

// Options configures a Recorder.
type Options struct {
	// Fs receives the payload files. Nil with a Dir set uses the OS filesystem.
	Fs afero.Fs
	// Dir enables payload dumping when not empty.
	Dir string
	// Kinds restricts selection to ES kinds such as "audio". Empty selects all.
	Kinds  []string
	Logger *slog.Logger
}

// ESStats summarizes one elementary stream.
type ESStats struct {
	ID        stream.ESID
	Format    stream.ESFormat
	Selected  bool
	Blocks    uint64
	Keyframes uint64
	Bytes     uint64
	FirstDTS  time.Duration
	LastDTS   time.Duration
	File      string
	Deleted   bool
}

// Duration is the decode time span of the blocks received.
func (s ESStats) Duration() time.Duration {
	if s.Blocks == 0 || s.FirstDTS == stream.NoTimestamp {
		return 0
	}
	return s.LastDTS - s.FirstDTS
}

// Stats is a snapshot of a Recorder.
type Stats struct {
	ES        []ESStats
	PCR       time.Duration
	PCRResets int
}

type esRecord struct {
	stats ESStats
	file  afero.File
}

// Recorder is a stream.Output that accounts for every block it receives and
// optionally writes raw payloads, one file per ES.
type Recorder struct {
	fs     afero.Fs
	dir    string
	kinds  []string
	logger *slog.Logger

	mu        sync.Mutex
	nextID    stream.ESID
	es        map[stream.ESID]*esRecord
	deleted   []ESStats
	pcr       time.Duration
	pcrResets int
}

var _ stream.Output = (*Recorder)(nil)

// NewRecorder creates a recorder. The payload directory is created when set.
func NewRecorder(opts Options) (*Recorder, error) {
	fs := opts.Fs
	if fs == nil && opts.Dir != "" {
		fs = afero.NewOsFs()
	}
	if opts.Dir != "" {
		if err := fs.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}

	return &Recorder{
		fs:     fs,
		dir:    opts.Dir,
		kinds:  opts.Kinds,
		logger: observability.WithComponent(observability.OrDefault(opts.Logger), "recorder"),
		es:     make(map[stream.ESID]*esRecord),
		pcr:    stream.NoTimestamp,
	}, nil
}

// AddES registers a new ES and opens its payload file.
func (r *Recorder) AddES(f stream.ESFormat) (stream.ESID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	rec := &esRecord{stats: ESStats{
		ID:       id,
		Format:   f,
		Selected: len(r.kinds) == 0 || slices.Contains(r.kinds, f.Kind),
		FirstDTS: stream.NoTimestamp,
		LastDTS:  stream.NoTimestamp,
	}}

	if r.dir != "" && rec.stats.Selected {
		name := path.Join(r.dir, fmt.Sprintf("%d-%s.%s", id, f.Kind, f.Codec))
		file, err := r.fs.Create(name)
		if err != nil {
			return 0, fmt.Errorf("creating %s: %w", name, err)
		}
		rec.file = file
		rec.stats.File = name
	}

	r.es[id] = rec
	r.logger.Info("elementary stream added",
		slog.Int64("es", int64(id)),
		slog.String("kind", f.Kind),
		slog.String("codec", f.Codec),
		slog.Bool("selected", rec.stats.Selected))
	return id, nil
}

// DelES closes the payload file of id. Its stats are kept.
func (r *Recorder) DelES(id stream.ESID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.es[id]
	if !ok {
		return
	}
	delete(r.es, id)
	r.closeFile(rec)
	rec.stats.Deleted = true
	r.deleted = append(r.deleted, rec.stats)

	r.logger.Debug("elementary stream deleted",
		slog.Int64("es", int64(id)),
		slog.Uint64("blocks", rec.stats.Blocks))
}

// Send accounts for b and appends its payload to the ES file.
func (r *Recorder) Send(id stream.ESID, b *stream.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.es[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownES, id)
	}
	if !rec.stats.Selected {
		return nil
	}

	rec.stats.Blocks++
	rec.stats.Bytes += uint64(len(b.Data))
	if b.Keyframe {
		rec.stats.Keyframes++
	}
	ts := b.DTS
	if ts == stream.NoTimestamp {
		ts = b.PTS
	}
	if ts != stream.NoTimestamp {
		if rec.stats.FirstDTS == stream.NoTimestamp {
			rec.stats.FirstDTS = ts
		}
		rec.stats.LastDTS = ts
	}

	if rec.file != nil {
		if _, err := rec.file.Write(b.Data); err != nil {
			return fmt.Errorf("writing %s: %w", rec.stats.File, err)
		}
	}
	return nil
}

// SetPCR records the program clock.
func (r *Recorder) SetPCR(pcr time.Duration) {
	r.mu.Lock()
	r.pcr = pcr
	r.mu.Unlock()
}

// ResetPCR clears the program clock after a discontinuity.
func (r *Recorder) ResetPCR() {
	r.mu.Lock()
	r.pcr = stream.NoTimestamp
	r.pcrResets++
	r.mu.Unlock()
}

// IsSelected reports whether the ES kind passes the recorder's filter.
func (r *Recorder) IsSelected(id stream.ESID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.es[id]
	return ok && rec.stats.Selected
}

// Stats returns a snapshot ordered by ES id, deleted ES included.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{PCR: r.pcr, PCRResets: r.pcrResets}
	out.ES = append(out.ES, r.deleted...)
	for _, rec := range r.es {
		out.ES = append(out.ES, rec.stats)
	}
	slices.SortFunc(out.ES, func(a, b ESStats) int {
		return int(a.ID - b.ID)
	})
	return out
}

// Close closes every open payload file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, rec := range r.es {
		if rec.file != nil {
			if err := rec.file.Close(); err != nil {
				errs = append(errs, err)
			}
			rec.file = nil
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) closeFile(rec *esRecord) {
	if rec.file == nil {
		return
	}
	if err := rec.file.Close(); err != nil {
		observability.WithError(r.logger, err).Warn("closing payload file",
			slog.String("file", rec.stats.File))
	}
	rec.file = nil
}
