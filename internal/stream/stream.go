// Package stream runs the download and demux pipeline of one elementary
// stream group: segment tracker, chunk, demuxer, command queue and output.
//
// Bufferize is called from the buffering goroutine and Dequeue from the
// output goroutine. SetPosition, Reactivate and Close must not run
// concurrently with Bufferize.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

// ClockFreq is the number of clock units per second.
const ClockFreq = time.Second

const defaultBlockSize = 32 * 1024

// BufferingStatus is the outcome of a Bufferize call.
type BufferingStatus int

// Buffering statuses, from most to least urgent.
const (
	BufferingLessThanMin BufferingStatus = iota
	BufferingOngoing
	BufferingFull
	BufferingSuspended
	BufferingEnd
)

func (s BufferingStatus) String() string {
	switch s {
	case BufferingLessThanMin:
		return "less_than_min"
	case BufferingOngoing:
		return "ongoing"
	case BufferingFull:
		return "full"
	case BufferingSuspended:
		return "suspended"
	case BufferingEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Status is the outcome of a Dequeue call.
type Status int

// Dequeue statuses.
const (
	StatusBuffering Status = iota
	StatusDemuxed
	StatusDiscontinuity
	StatusEOF
)

func (s Status) String() string {
	switch s {
	case StatusBuffering:
		return "buffering"
	case StatusDemuxed:
		return "demuxed"
	case StatusDiscontinuity:
		return "discontinuity"
	case StatusEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// Options tunes a Stream.
type Options struct {
	// BlockSize is the read size of one chunk pull.
	BlockSize int
	Logger    *slog.Logger
}

// Stream drives one adaptation set from chunks to output.
type Stream struct {
	logger     *slog.Logger
	id         manifest.ID
	tracker    *tracker.SegmentTracker
	provider   tracker.ChunkProvider
	out        Output
	queue      *commandQueue
	esOut      *esOutput
	source     *blockReader
	newDemuxer demuxerFactory
	blockSize  int

	mu       sync.Mutex
	demuxer  Demuxer
	dead     bool
	disabled bool
	closed   bool

	chunkMu sync.Mutex
	chunk   *tracker.Chunk
	eof     bool

	// Written by tracker events, which may arrive while a demux is running.
	format          atomic.Int32
	discontinuity   atomic.Bool
	needRestart     atomic.Bool
	inRestart       atomic.Bool
	restartOnSwitch atomic.Bool
	lastStatus      atomic.Int32
}

// New creates a stream over tr. Chunks are opened through provider and
// demuxed output goes to out.
func New(tr *tracker.SegmentTracker, provider tracker.ChunkProvider, out Output, opts Options) (*Stream, error) {
	format := tr.InitialFormat()
	if format == manifest.FormatUnsupported {
		return nil, ErrUnsupportedFormat
	}

	var id manifest.ID
	if set := tr.AdaptationSet(); set != nil {
		id = set.ID
	}
	logger := observability.WithComponent(
		observability.WithAdaptationSet(observability.OrDefault(opts.Logger), string(id)), "stream")

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}

	queue := newCommandQueue(logger)
	s := &Stream{
		logger:     logger,
		id:         id,
		tracker:    tr,
		provider:   provider,
		out:        out,
		queue:      queue,
		esOut:      newESOutput(out, queue),
		newDemuxer: newDemuxer,
		blockSize:  blockSize,
	}
	s.source = newBlockReader(s.readNextBlock)
	s.format.Store(int32(format))
	s.lastStatus.Store(int32(BufferingLessThanMin))

	tr.RegisterListener(s)
	tr.NotifyBufferingState(true)
	return s, nil
}

// ID returns the adaptation set the stream plays.
func (s *Stream) ID() manifest.ID {
	return s.id
}

// Format returns the current stream format.
func (s *Stream) Format() manifest.StreamFormat {
	return manifest.StreamFormat(s.format.Load())
}

// Bufferize demuxes towards minTarget+extraTarget of buffered media.
func (s *Stream) Bufferize(ctx context.Context, deadline, minTarget, extraTarget time.Duration) BufferingStatus {
	status := s.bufferize(ctx, deadline, minTarget, extraTarget)
	s.lastStatus.Store(int32(status))
	return status
}

// LastBufferingStatus returns the result of the previous Bufferize.
func (s *Stream) LastBufferingStatus() BufferingStatus {
	return BufferingStatus(s.lastStatus.Load())
}

func (s *Stream) bufferize(ctx context.Context, deadline, minTarget, extraTarget time.Duration) BufferingStatus {
	s.mu.Lock()
	locked := true
	defer func() {
		if locked {
			s.mu.Unlock()
		}
	}()

	if s.dead || s.closed {
		return BufferingEnd
	}

	// Alternate streams nobody selected are switched off.
	if s.esOut.esCount() > 0 && !s.esOut.hasSelectedES() && !s.esOut.restarting() {
		s.setDisabledLocked(true)
		s.tracker.Reset()
		s.queue.Abort(false)
		s.logger.Debug("deactivating stream", slog.String("format", s.Format().String()))
		return BufferingEnd
	}

	if s.queue.IsFlushing() {
		return BufferingSuspended
	}

	if s.demuxer == nil {
		if f := s.tracker.CurrentFormat(); f != manifest.FormatUnsupported {
			s.format.Store(int32(f))
		}
		if !s.startDemuxLocked() {
			if s.discontinuity.Load() {
				s.logger.Debug("flushing on format change")
				s.prepareRestartLocked(true, "format")
				s.discontinuity.Store(false)
				s.queue.SetFlush()
				return BufferingOngoing
			}
			s.dead = true
			s.queue.SetEOF()
			return BufferingEnd
		}
	}

	total := minTarget + extraTarget
	demuxed := s.queue.DemuxedAmount()
	s.notifyLevel(demuxed, total)

	if demuxed < total {
		if !s.tracker.SegmentsListReady() {
			return BufferingSuspended
		}

		level := max(s.queue.BufferingLevel(), 0)
		deadline = level + (total-demuxed)/(ClockFreq/4)

		demuxer := s.demuxer
		s.source.bind(ctx)
		s.mu.Unlock()
		locked = false
		err := demuxer.Demux(ctx, deadline)
		s.mu.Lock()
		locked = true

		if err != nil {
			if discontinuity := s.discontinuity.Load(); discontinuity || s.needRestart.Load() {
				cause := "switch"
				if discontinuity {
					cause = "discontinuity"
				}
				s.logger.Debug("restarting demuxer", slog.String("cause", cause))
				s.prepareRestartLocked(discontinuity, cause)
				if discontinuity {
					s.queue.SetFlush()
					s.discontinuity.Store(false)
				}
				s.needRestart.Store(false)
				return BufferingOngoing
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				observability.WithError(s.logger, err).Debug("demux ended")
			}
			s.queue.SetEOF()
			return BufferingEnd
		}

		if s.esOut.restarting() {
			s.esOut.gc()
		}
		demuxed = s.queue.DemuxedAmount()
		s.notifyLevel(demuxed, total)
	}

	switch {
	case demuxed < minTarget:
		return BufferingLessThanMin
	case demuxed < total:
		return BufferingOngoing
	default:
		return BufferingFull
	}
}

func (s *Stream) notifyLevel(demuxed, total time.Duration) {
	s.tracker.NotifyBufferingLevel(demuxed, total)
	observability.BufferingLevel.WithLabelValues(string(s.id)).Set(demuxed.Seconds())
}

// Dequeue releases every command due at deadline to the output. pcr is the
// last clock reference sent, deadline when none was.
func (s *Stream) Dequeue(deadline time.Duration) (Status, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.IsFlushing() {
		pcr := s.queue.Process(s.out, deadline)
		if !s.queue.IsEmpty() {
			return StatusDemuxed, pcr
		}
		if !s.queue.IsEOF() {
			s.queue.Abort(true)
			return StatusDiscontinuity, pcr
		}
	}

	if s.isDisabledLocked() || s.queue.IsEOF() {
		return StatusEOF, deadline
	}

	// Once ended, the tail is released without waiting for more data.
	if level := s.queue.BufferingLevel(); (level != NoTimestamp && deadline <= level) || s.queue.Ended() {
		return StatusDemuxed, s.queue.Process(s.out, deadline)
	}
	return StatusBuffering, deadline
}

// readNextBlock returns the next block of chunk data, moving on to the next
// chunk when the open one is exhausted. It returns nil at the end of content
// or when a restart or discontinuity is pending.
func (s *Stream) readNextBlock(ctx context.Context) []byte {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	for {
		if s.chunk == nil && !s.eof {
			s.chunk = s.tracker.NextChunk(ctx, !s.esOut.restarting(), s.provider)
		}

		if s.discontinuity.Load() || s.needRestart.Load() {
			s.logger.Debug("ending byte stream for restart")
			return nil
		}

		if s.chunk == nil {
			s.eof = true
			return nil
		}

		data, err := s.chunk.Read(ctx, s.blockSize)
		if err != nil && !errors.Is(err, io.EOF) {
			observability.WithError(s.logger, err).Warn("chunk read failed",
				slog.Uint64("segment", s.chunk.Number))
		}
		if len(data) == 0 || err != nil || !s.chunk.HasMoreData() {
			s.closeChunkLocked()
		}
		if len(data) > 0 {
			return data
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Stream) closeChunkLocked() {
	if s.chunk == nil {
		return
	}
	if err := s.chunk.Close(); err != nil {
		observability.WithError(s.logger, err).Debug("closing chunk")
	}
	s.chunk = nil
}

func (s *Stream) startDemuxLocked() bool {
	if s.demuxer != nil {
		return false
	}

	s.source.Reset()
	format := s.Format()
	d, err := s.newDemuxer(format, s.source, s.esOut, s.logger)
	if err == nil {
		err = d.Create()
	}
	if err != nil {
		observability.WithError(s.logger, err).Error("cannot create demuxer",
			slog.String("format", format.String()))
		return false
	}

	s.demuxer = d
	s.restartOnSwitch.Store(d.NeedsRestartOnSwitch())
	return true
}

// prepareRestartLocked tears the demuxer down so that the next Bufferize
// starts a new one. Its ES are scheduled for deletion behind the data
// already queued.
func (s *Stream) prepareRestartLocked(discontinuity bool, cause string) {
	if s.demuxer == nil {
		return
	}

	s.demuxer.Drain()
	s.setTimeOffsetLocked(-1)
	s.esOut.scheduleAllForDeletion()
	if discontinuity {
		s.esOut.schedulePCRReset()
	}
	s.queue.Commit()

	// The demuxer's own teardown output is ignored.
	s.queue.SetDrop(true)
	s.demuxer.Destroy()
	s.queue.SetDrop(false)
	s.demuxer = nil
	s.restartOnSwitch.Store(false)

	observability.StreamRestarts.WithLabelValues(string(s.id), cause).Inc()
}

// restartDemuxLocked restarts parsing at the start of a new byte stream,
// keeping the ES of the previous run for reuse.
func (s *Stream) restartDemuxLocked() bool {
	if s.demuxer == nil {
		return s.startDemuxLocked()
	}
	if !s.demuxer.NeedsRestartOnSeek() {
		s.queue.Commit()
		return true
	}

	s.inRestart.Store(true)
	defer s.inRestart.Store(false)

	s.esOut.recycleAll()
	s.queue.SetDrop(true)
	s.demuxer.Destroy()
	s.queue.SetDrop(false)
	s.source.Reset()
	if err := s.demuxer.Create(); err != nil {
		observability.WithError(s.logger, err).Error("cannot restart demuxer")
		return false
	}
	return true
}

// setTimeOffsetLocked resets the timestamp offset when d is negative, or sets
// it to d for demuxers whose timestamps restart from zero.
func (s *Stream) setTimeOffsetLocked(d time.Duration) {
	if d < 0 {
		s.esOut.setTimestampOffset(0)
		return
	}
	if s.demuxer != nil && s.demuxer.AlwaysStartsFromZero() {
		s.esOut.setTimestampOffset(d)
	}
}

func (s *Stream) seekableLocked() bool {
	return s.demuxer != nil &&
		!s.esOut.restarting() &&
		!s.discontinuity.Load() &&
		!s.queue.IsFlushing()
}

// startPendingLocked reports whether the stream has not requested a chunk yet.
func (s *Stream) startPendingLocked() bool {
	if s.demuxer != nil || s.dead || s.closed || s.tracker.Current() != nil {
		return false
	}
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	return s.chunk == nil && !s.eof
}

// SetPosition moves playback to t. With dryRun only the feasibility is
// reported.
func (s *Stream) SetPosition(ctx context.Context, t time.Duration, dryRun bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPositionLocked(ctx, t, dryRun)
}

func (s *Stream) setPositionLocked(ctx context.Context, t time.Duration, dryRun bool) bool {
	if s.startPendingLocked() {
		// Nothing requested yet: the first chunk is picked from t.
		if !s.tracker.SetPositionByTime(ctx, t, false, dryRun) {
			return false
		}
		if !dryRun {
			s.logger.Info("start position set", slog.Duration("position", t))
		}
		return true
	}
	if !s.seekableLocked() {
		return false
	}

	restart := s.demuxer.NeedsRestartOnSeek()
	if !s.tracker.SetPositionByTime(ctx, t, restart, dryRun) {
		return false
	}
	if dryRun {
		return true
	}

	if restart {
		s.chunkMu.Lock()
		s.closeChunkLocked()
		s.eof = false
		s.chunkMu.Unlock()
		s.needRestart.Store(false)

		s.setTimeOffsetLocked(-1)
		s.setTimeOffsetLocked(s.tracker.PlaybackTime())

		if !s.restartDemuxLocked() {
			s.dead = true
		}
		observability.StreamRestarts.WithLabelValues(string(s.id), "seek").Inc()
	}
	s.queue.Abort(true)

	s.logger.Info("position changed", slog.Duration("position", t))
	return true
}

// Reactivate re-enables a disabled stream at t. When the position cannot be
// reached the stream is marked as ended.
func (s *Stream) Reactivate(ctx context.Context, t time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setPositionLocked(ctx, t, false) {
		s.setDisabledLocked(false)
		return true
	}

	s.chunkMu.Lock()
	s.eof = true
	s.chunkMu.Unlock()
	return false
}

func (s *Stream) setDisabledLocked(disabled bool) {
	if s.disabled != disabled {
		s.tracker.NotifyBufferingState(!disabled)
	}
	s.disabled = disabled
}

func (s *Stream) isDisabledLocked() bool {
	return s.dead || s.disabled
}

// IsDisabled reports whether the stream is disabled or dead.
func (s *Stream) IsDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDisabledLocked()
}

// IsDead reports whether the stream failed for good.
func (s *Stream) IsDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// IsSelected reports whether the output selected any ES of the stream.
func (s *Stream) IsSelected() bool {
	return s.esOut.hasSelectedES()
}

// PCR returns the last clock reference sent, NoTimestamp when disabled.
func (s *Stream) PCR() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDisabledLocked() {
		return NoTimestamp
	}
	return s.queue.PCR()
}

// FirstDTS returns the earliest timestamp still queued.
func (s *Stream) FirstDTS() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDisabledLocked() {
		return NoTimestamp
	}
	return s.queue.FirstDTS()
}

// BufferingLevel returns the highest clock reference demuxed, NoTimestamp
// before the first one.
func (s *Stream) BufferingLevel() time.Duration {
	return s.queue.BufferingLevel()
}

// DemuxedAmount returns the media duration queued ahead of the output.
func (s *Stream) DemuxedAmount() time.Duration {
	return s.queue.DemuxedAmount()
}

// PlaybackTime returns the start time of the next segment to download.
func (s *Stream) PlaybackTime() time.Duration {
	return s.tracker.PlaybackTime()
}

// MinAheadTime returns the media duration known after the current segment.
func (s *Stream) MinAheadTime() time.Duration {
	return s.tracker.MinAheadTime()
}

// RunUpdates refreshes the segment list of an enabled stream.
func (s *Stream) RunUpdates(ctx context.Context) {
	if s.IsDisabled() {
		return
	}
	s.tracker.UpdateSelected(ctx)
}

// TrackerEvent reacts to tracker notifications. It only touches atomics
// because it runs under the tracker lock, possibly during a demux.
func (s *Stream) TrackerEvent(ev tracker.Event) {
	switch ev.Kind {
	case tracker.EventDiscontinuity:
		s.discontinuity.Store(true)

	case tracker.EventFormatChange:
		if prev := s.format.Swap(int32(ev.Format)); prev != int32(ev.Format) {
			s.logger.Info("stream format changed",
				slog.String("from", manifest.StreamFormat(prev).String()),
				slog.String("to", ev.Format.String()))
			s.discontinuity.Store(true)
		}

	case tracker.EventSwitching:
		// A nil side never needs a restart. Next is nil when the tracker
		// reset at the end of content or on deactivation, and no data
		// follows. Prev is nil on the first selection, before the demuxer
		// saw any data, and after such a reset, which is only left through
		// SetPosition, itself restarting the demuxer.
		if ev.Prev == nil || ev.Next == nil {
			return
		}
		if s.restartOnSwitch.Load() && !s.inRestart.Load() {
			s.needRestart.Store(true)
		}
	}
}

// Close tears the stream down. The buffering goroutine must have stopped.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.tracker.NotifyBufferingState(false)

	s.chunkMu.Lock()
	s.closeChunkLocked()
	s.chunkMu.Unlock()

	s.tracker.Reset()

	if s.demuxer != nil {
		s.queue.SetDrop(true)
		s.demuxer.Destroy()
		s.queue.SetDrop(false)
		s.demuxer = nil
	}

	s.queue.Abort(true)
	s.esOut.destroyAll()
}
