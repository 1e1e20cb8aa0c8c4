package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/observability"
)

type commandKind int

const (
	cmdCreate commandKind = iota
	cmdSend
	cmdDel
	cmdPCR
	cmdResetPCR
)

type command struct {
	kind  commandKind
	es    *fakeES
	block *Block
	ts    time.Duration
}

// time is the timestamp the command is due at, NoTimestamp when it is due
// as soon as everything queued before it has run.
func (c command) time() time.Duration {
	switch c.kind {
	case cmdSend:
		return c.block.time()
	case cmdPCR:
		return c.ts
	default:
		return NoTimestamp
	}
}

// commandQueue holds demuxed output until playback reaches it. Commands are
// scheduled into an incoming list and become visible on Commit; a PCR
// commits implicitly and raises the buffering level.
type commandQueue struct {
	logger *slog.Logger

	mu        sync.Mutex
	incoming  []command
	committed []command
	level     time.Duration
	pcr       time.Duration
	drop      bool
	flushing  bool
	eof       bool
}

func newCommandQueue(logger *slog.Logger) *commandQueue {
	return &commandQueue{
		logger: observability.OrDefault(logger),
		level:  NoTimestamp,
		pcr:    NoTimestamp,
	}
}

// Schedule queues c. Commands are discarded while drop is set.
func (q *commandQueue) Schedule(c command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drop {
		return
	}
	q.incoming = append(q.incoming, c)
	if c.kind == cmdPCR {
		if c.ts > q.level {
			q.level = c.ts
		}
		q.commitLocked()
	}
}

// Commit makes every incoming command visible to Process.
func (q *commandQueue) Commit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commitLocked()
}

func (q *commandQueue) commitLocked() {
	q.committed = append(q.committed, q.incoming...)
	q.incoming = nil
}

// Process runs every committed command due at or before barrier against out
// and returns the last PCR sent, barrier when none was.
func (q *commandQueue) Process(out Output, barrier time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	last := barrier
	for len(q.committed) > 0 {
		c := q.committed[0]
		if t := c.time(); t != NoTimestamp && t > barrier {
			break
		}
		q.committed[0] = command{}
		q.committed = q.committed[1:]

		switch c.kind {
		case cmdCreate:
			if c.es.created.Load() {
				continue
			}
			id, err := out.AddES(c.es.format)
			if err != nil {
				observability.WithError(q.logger, err).Warn("cannot create elementary stream",
					slog.String("codec", c.es.format.Codec))
				continue
			}
			c.es.realID.Store(int64(id))
			c.es.created.Store(true)
		case cmdSend:
			id, ok := c.es.id()
			if !ok {
				continue
			}
			if err := out.Send(id, c.block); err != nil {
				observability.WithError(q.logger, err).Warn("output rejected block",
					slog.Int64("es", int64(id)))
			}
		case cmdDel:
			if id, ok := c.es.id(); ok {
				out.DelES(id)
				c.es.created.Store(false)
			}
		case cmdPCR:
			out.SetPCR(c.ts)
			q.pcr = c.ts
			last = c.ts
		case cmdResetPCR:
			out.ResetPCR()
			q.pcr = NoTimestamp
		}
	}
	return last
}

// Abort drops every pending command. With reset the buffering state, the
// flush and the EOF flags are cleared too.
func (q *commandQueue) Abort(reset bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.incoming = nil
	q.committed = nil
	if reset {
		q.level = NoTimestamp
		q.pcr = NoTimestamp
		q.flushing = false
		q.eof = false
	}
}

// BufferingLevel is the highest PCR committed, NoTimestamp when none is.
func (q *commandQueue) BufferingLevel() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

// PCR is the last PCR processed.
func (q *commandQueue) PCR() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pcr
}

// FirstDTS is the earliest timestamp waiting in the queue, or the last
// processed PCR when nothing is waiting.
func (q *commandQueue) FirstDTS() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstDTSLocked()
}

func (q *commandQueue) firstDTSLocked() time.Duration {
	first := NoTimestamp
	for _, c := range q.committed {
		if c.kind != cmdSend {
			continue
		}
		if t := c.time(); t != NoTimestamp && (first == NoTimestamp || t < first) {
			first = t
		}
	}
	if first == NoTimestamp {
		return q.pcr
	}
	return first
}

// DemuxedAmount is the duration buffered ahead of the output.
func (q *commandQueue) DemuxedAmount() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	first := q.firstDTSLocked()
	if q.level == NoTimestamp || first == NoTimestamp || q.level < first {
		return 0
	}
	return q.level - first
}

// SetDrop toggles discarding of scheduled commands.
func (q *commandQueue) SetDrop(drop bool) {
	q.mu.Lock()
	q.drop = drop
	q.mu.Unlock()
}

// SetFlush marks the queue as draining towards a discontinuity.
func (q *commandQueue) SetFlush() {
	q.mu.Lock()
	q.flushing = true
	q.mu.Unlock()
}

func (q *commandQueue) IsFlushing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushing
}

// SetEOF marks the end of the stream and commits what is left.
func (q *commandQueue) SetEOF() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eof = true
	q.commitLocked()
}

// Ended reports whether SetEOF was called.
func (q *commandQueue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eof
}

// IsEOF reports whether the stream ended and everything was processed.
func (q *commandQueue) IsEOF() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eof && len(q.incoming) == 0 && len(q.committed) == 0
}

// IsEmpty reports whether no command is pending, committed or not.
func (q *commandQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.incoming) == 0 && len(q.committed) == 0
}
