// Package session drives playback of one playlist: it builds a tracker and a
// stream per adaptation set, and runs the buffering, output and playlist
// update loops until every stream ended.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrplay/internal/adaptation"
	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/connection"
	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/stream"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

var (
	// ErrNoStreams is returned when no adaptation set of a playlist can be played.
	ErrNoStreams = errors.New("no playable stream")
	// ErrPositionUnreachable is returned when no stream can seek to a position.
	ErrPositionUnreachable = errors.New("position unreachable")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// endOfTime is the deadline releasing everything still queued.
const endOfTime = time.Duration(math.MaxInt64)

// updateInterval paces live playlist refreshes. Representations decide
// themselves whether a refresh is due.
const updateInterval = time.Second

// Options configures a Session.
type Options struct {
	// Manager serves every fetch. Nil creates one from the config, closed
	// with the session.
	Manager *connection.Manager
	// Speed scales the output clock against wall time. Zero releases media
	// as soon as every stream buffered it.
	Speed  float64
	Logger *slog.Logger
}

type entry struct {
	set     *manifest.AdaptationSet
	tracker *tracker.SegmentTracker
	stream  *stream.Stream

	// Updated from tracker events.
	selected atomic.Pointer[manifest.Representation]
	switches atomic.Int64
	segments atomic.Int64
}

// TrackerEvent keeps the last selected representation, which outlives the
// tracker reset at the end of content.
func (e *entry) TrackerEvent(ev tracker.Event) {
	switch ev.Kind {
	case tracker.EventSwitching:
		if ev.Next == nil {
			return
		}
		if ev.Prev != nil {
			e.switches.Add(1)
		}
		e.selected.Store(ev.Next)
	case tracker.EventSegmentChange:
		e.segments.Add(1)
	}
}

// Session plays one playlist into an output.
type Session struct {
	id        string
	cfg       *config.Config
	logger    *slog.Logger
	manager   *connection.Manager
	ownsMgr   bool
	logic     adaptation.Logic
	out       stream.Output
	speed     float64
	minBuffer time.Duration
	maxBuffer time.Duration
	poll      time.Duration

	playlist *manifest.Playlist
	entries  []*entry

	// bufMu serializes each Bufferize run with seeks and stream teardown.
	bufMu  sync.Mutex
	closed bool

	mu    sync.Mutex
	clock time.Duration
}

// New creates a session writing to out.
func New(cfg *config.Config, out stream.Output, opts Options) (*Session, error) {
	id := ulid.Make().String()
	logger := observability.WithSession(observability.OrDefault(opts.Logger), id)

	logic, err := adaptation.NewLogic(cfg.Adaptation, logger)
	if err != nil {
		return nil, err
	}

	manager := opts.Manager
	owns := false
	if manager == nil {
		manager, err = connection.NewManager(cfg, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("creating connection manager: %w", err)
		}
		owns = true
	}
	manager.SetRateObserver(logic)

	maxBuffer := max(cfg.Buffering.Max, cfg.Buffering.Min)
	return &Session{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		ownsMgr:   owns,
		logic:     logic,
		out:       out,
		speed:     opts.Speed,
		minBuffer: cfg.Buffering.Min,
		maxBuffer: maxBuffer,
		poll:      cfg.Buffering.PollInterval,
		clock:     stream.NoTimestamp,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Open loads the playlist at rawURL and creates a stream per adaptation set.
// Sets whose format no demuxer handles are skipped.
func (s *Session) Open(ctx context.Context, rawURL string) error {
	loader := manifest.NewHLSLoader(s.manager, observability.WithComponent(s.logger, "hls"))
	playlist, err := loader.Load(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("loading playlist: %w", err)
	}
	return s.OpenPlaylist(playlist)
}

// OpenPlaylist creates a stream per adaptation set of playlist.
func (s *Session) OpenPlaylist(playlist *manifest.Playlist) error {
	s.playlist = playlist
	for _, set := range playlist.AdaptationSets() {
		tr := tracker.New(s.logic, set, s.logger)
		st, err := stream.New(tr, s.manager, s.out, stream.Options{
			BlockSize: s.cfg.HTTP.BlockSize.Int(),
			Logger:    s.logger,
		})
		if err != nil {
			observability.WithError(s.logger, err).Warn("skipping adaptation set",
				slog.String("adaptation_set", string(set.ID)))
			continue
		}
		e := &entry{set: set, tracker: tr, stream: st}
		tr.RegisterListener(e)
		s.entries = append(s.entries, e)
	}

	if len(s.entries) == 0 {
		return ErrNoStreams
	}
	s.logger.Info("session opened",
		slog.String("url", playlist.URL),
		slog.Int("streams", len(s.entries)),
		slog.Bool("live", playlist.IsLive()))
	return nil
}

// Run plays until every stream ended or ctx is canceled.
func (s *Session) Run(ctx context.Context) (err error) {
	if len(s.entries) == 0 {
		return ErrNoStreams
	}

	done := observability.TimedOperationWithError(ctx, s.logger, "playback", &err)
	defer done()

	runCtx, finish := context.WithCancel(ctx)
	defer finish()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.bufferLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.outputLoop(gctx)
		// Output drained: stop the other loops.
		finish()
		return nil
	})
	if s.playlist != nil && s.playlist.IsLive() {
		g.Go(func() error {
			s.updateLoop(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// bufferLoop keeps every stream buffering towards its targets. It only
// sleeps when no stream is below its maximum.
func (s *Session) bufferLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.bufferizeAll(ctx) {
			return
		}
		timer.Reset(s.pollDelay())
	}
}

// bufferizeAll runs one buffering pass. It reports whether every stream ended.
func (s *Session) bufferizeAll(ctx context.Context) bool {
	busy := true
	for busy {
		busy = false
		ended := 0
		for _, e := range s.entries {
			if ctx.Err() != nil {
				return false
			}
			status, ok := s.bufferize(ctx, e)
			if !ok {
				return true
			}
			switch status {
			case stream.BufferingLessThanMin, stream.BufferingOngoing:
				busy = true
			case stream.BufferingEnd:
				ended++
			}
		}
		if ended == len(s.entries) {
			return true
		}
	}
	return false
}

// bufferize runs one Bufferize of e. ok is false once the session closed.
func (s *Session) bufferize(ctx context.Context, e *entry) (stream.BufferingStatus, bool) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if s.closed {
		return stream.BufferingEnd, false
	}
	return e.stream.Bufferize(ctx, s.bufferDeadline(), s.minBuffer, s.maxBuffer-s.minBuffer), true
}

func (s *Session) bufferDeadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.clock {
	case stream.NoTimestamp:
		return s.maxBuffer
	case endOfTime:
		return endOfTime
	}
	return s.clock + s.maxBuffer
}

func (s *Session) pollDelay() time.Duration {
	if s.poll <= 0 {
		return 100 * time.Millisecond
	}
	return s.poll
}

// outputLoop releases queued media to the output as the session clock
// advances, until every stream reported EOF.
func (s *Session) outputLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollDelay())
	defer ticker.Stop()

	last := time.Now()
	for {
		now := time.Now()
		elapsed := now.Sub(last)
		last = now

		if s.dequeueAll(elapsed) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dequeueAll advances the clock by elapsed and dequeues every stream up to
// it. It reports whether every stream reached EOF.
func (s *Session) dequeueAll(elapsed time.Duration) bool {
	deadline, ok := s.advanceClock(elapsed)
	if !ok {
		return false
	}

	eof := 0
	for _, e := range s.entries {
		status, _ := e.stream.Dequeue(deadline)
		switch status {
		case stream.StatusEOF:
			eof++
		case stream.StatusDiscontinuity:
			// The timeline restarts: wait for the streams to buffer again.
			s.logger.Debug("output discontinuity", slog.String("adaptation_set", string(e.set.ID)))
			s.mu.Lock()
			s.clock = stream.NoTimestamp
			s.mu.Unlock()
		}
	}
	return eof == len(s.entries)
}

// advanceClock moves the session clock forward. The clock starts at the
// earliest queued timestamp once every stream left the initial buffering, and
// never runs past the data a live stream has buffered.
func (s *Session) advanceClock(elapsed time.Duration) (time.Duration, bool) {
	limit := endOfTime
	start := stream.NoTimestamp
	active := 0
	for _, e := range s.entries {
		st := e.stream
		if st.IsDisabled() || st.LastBufferingStatus() == stream.BufferingEnd {
			continue
		}
		active++
		if st.LastBufferingStatus() == stream.BufferingLessThanMin {
			return 0, false
		}
		if level := st.BufferingLevel(); level != stream.NoTimestamp && level < limit {
			limit = level
		}
		if first := st.FirstDTS(); first != stream.NoTimestamp && (start == stream.NoTimestamp || first < start) {
			start = first
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if active == 0 {
		// Everything ended: flush the tails.
		s.clock = endOfTime
		return s.clock, true
	}

	if s.clock == stream.NoTimestamp {
		if start == stream.NoTimestamp {
			return 0, false
		}
		s.clock = start
		s.logger.Debug("output clock started", slog.Duration("at", start))
		return s.clock, true
	}

	next := limit
	if s.speed > 0 {
		next = min(s.clock+time.Duration(float64(elapsed)*s.speed), limit)
	}
	if next > s.clock {
		s.clock = next
	}
	return s.clock, true
}

// updateLoop refreshes live segment lists.
func (s *Session) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.entries {
				e.stream.RunUpdates(ctx)
			}
		}
	}
}

// Seek moves every active stream to t, before or during Run. The output
// clock restarts from the first timestamp buffered after the seek. Streams
// that cannot reach t keep their position.
func (s *Session) Seek(ctx context.Context, t time.Duration) error {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.entries) == 0 {
		return ErrNoStreams
	}

	moved := 0
	for _, e := range s.entries {
		if e.stream.IsDisabled() {
			continue
		}
		if e.stream.SetPosition(ctx, t, false) {
			moved++
			continue
		}
		s.logger.Warn("stream cannot seek",
			slog.String("adaptation_set", string(e.set.ID)),
			slog.Duration("position", t))
	}
	if moved == 0 {
		return fmt.Errorf("seeking to %s: %w", t, ErrPositionUnreachable)
	}

	s.mu.Lock()
	s.clock = stream.NoTimestamp
	s.mu.Unlock()

	s.logger.Info("seeked", slog.Duration("position", t), slog.Int("streams", moved))
	return nil
}

// StreamStats describes one stream at the end of a session.
type StreamStats struct {
	AdaptationSet  manifest.ID
	Kind           string
	Format         manifest.StreamFormat
	Representation string
	Bandwidth      uint64
	Switches       int64
	Segments       int64
	PlaybackTime   time.Duration
	Dead           bool
	Disabled       bool
}

// Stats returns per-stream information.
func (s *Session) Stats() []StreamStats {
	out := make([]StreamStats, 0, len(s.entries))
	for _, e := range s.entries {
		st := StreamStats{
			AdaptationSet: e.set.ID,
			Kind:          e.set.Kind,
			Format:        e.stream.Format(),
			PlaybackTime:  e.stream.PlaybackTime(),
			Dead:          e.stream.IsDead(),
			Disabled:      e.stream.IsDisabled(),
			Switches:      e.switches.Load(),
			Segments:      e.segments.Load(),
		}
		if rep := e.selected.Load(); rep != nil {
			st.Representation = rep.ID
			st.Bandwidth = rep.Bandwidth
		}
		out = append(out, st)
	}
	return out
}

// Clock returns the output clock, NoTimestamp before playback started.
func (s *Session) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Close tears every stream down, then the connection manager when the
// session created it.
func (s *Session) Close() {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	for _, e := range s.entries {
		e.stream.Close()
	}
	if s.ownsMgr {
		s.manager.Close()
	}
	s.logger.Debug("session closed")
}
