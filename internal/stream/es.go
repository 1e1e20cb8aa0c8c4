package stream

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// NoTimestamp marks an unset timestamp.
const NoTimestamp = time.Duration(math.MinInt64)

// ESID identifies an elementary stream created on an Output.
type ESID int64

// ESFormat describes an elementary stream.
type ESFormat struct {
	Kind       string // video, audio
	Codec      string // h264, h265, aac, ac3, mp3, opus
	SampleRate int
	Channels   int
	Width      int
	Height     int
	Language   string
}

// Block is one demuxed access unit.
type Block struct {
	PTS      time.Duration
	DTS      time.Duration
	Keyframe bool
	Data     []byte
}

// time is the ordering timestamp of the block: DTS, or PTS when unset.
func (b *Block) time() time.Duration {
	if b.DTS != NoTimestamp {
		return b.DTS
	}
	return b.PTS
}

// Output is the downstream consumer of demuxed elementary streams.
// Implementations must be safe for concurrent use.
type Output interface {
	AddES(f ESFormat) (ESID, error)
	DelES(id ESID)
	Send(id ESID, b *Block) error
	SetPCR(pcr time.Duration)
	ResetPCR()
	IsSelected(id ESID) bool
}

// fakeES is the demuxer-side handle of an elementary stream. The real ES is
// created on the Output when its create command is processed.
type fakeES struct {
	format  ESFormat
	created atomic.Bool
	realID  atomic.Int64
}

func (es *fakeES) id() (ESID, bool) {
	if !es.created.Load() {
		return 0, false
	}
	return ESID(es.realID.Load()), true
}

// esOutput stands between a demuxer and the real Output. Every call is turned
// into a command on the queue, so demuxed data is only released once it is due.
type esOutput struct {
	real  Output
	queue *commandQueue

	mu      sync.Mutex
	es      []*fakeES
	recycle []*fakeES
	offset  time.Duration
	init    []byte
}

func newESOutput(real Output, queue *commandQueue) *esOutput {
	return &esOutput{real: real, queue: queue}
}

// createES returns a handle for format, reusing a recycled ES when one with
// the same format is waiting.
func (o *esOutput) createES(f ESFormat) *fakeES {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, es := range o.recycle {
		if es.format == f {
			o.recycle = append(o.recycle[:i], o.recycle[i+1:]...)
			o.es = append(o.es, es)
			if !es.created.Load() {
				o.queue.Schedule(command{kind: cmdCreate, es: es})
			}
			return es
		}
	}

	es := &fakeES{format: f}
	o.es = append(o.es, es)
	o.queue.Schedule(command{kind: cmdCreate, es: es})
	return es
}

func (o *esOutput) send(es *fakeES, b *Block) {
	o.mu.Lock()
	offset := o.offset
	o.mu.Unlock()

	if offset != 0 {
		if b.PTS != NoTimestamp {
			b.PTS += offset
		}
		if b.DTS != NoTimestamp {
			b.DTS += offset
		}
	}
	o.queue.Schedule(command{kind: cmdSend, es: es, block: b})
}

func (o *esOutput) setPCR(pcr time.Duration) {
	o.mu.Lock()
	offset := o.offset
	o.mu.Unlock()
	o.queue.Schedule(command{kind: cmdPCR, ts: pcr + offset})
}

// setInit remembers the container initialization data of the stream so a
// demuxer restarted mid-stream can reuse it.
func (o *esOutput) setInit(data []byte) {
	o.mu.Lock()
	o.init = append(o.init[:0], data...)
	o.mu.Unlock()
}

func (o *esOutput) lastInit() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.init) == 0 {
		return nil
	}
	return append([]byte(nil), o.init...)
}

func (o *esOutput) setTimestampOffset(d time.Duration) {
	o.mu.Lock()
	o.offset = d
	o.mu.Unlock()
}

// scheduleAllForDeletion queues the deletion of every live ES.
func (o *esOutput) scheduleAllForDeletion() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, es := range o.es {
		o.queue.Schedule(command{kind: cmdDel, es: es})
	}
	o.es = nil
}

func (o *esOutput) schedulePCRReset() {
	o.queue.Schedule(command{kind: cmdResetPCR})
}

// recycleAll parks every ES so that a restarted demuxer can claim them back.
func (o *esOutput) recycleAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recycle = append(o.recycle, o.es...)
	o.es = nil
}

// gc deletes recycled ES nobody claimed back.
func (o *esOutput) gc() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, es := range o.recycle {
		o.queue.Schedule(command{kind: cmdDel, es: es})
	}
	o.recycle = nil
}

func (o *esOutput) restarting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recycle) > 0
}

// esCount counts the ES already created on the real output.
func (o *esOutput) esCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, es := range o.es {
		if es.created.Load() {
			n++
		}
	}
	return n
}

func (o *esOutput) hasSelectedES() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, es := range o.es {
		if id, ok := es.id(); ok && o.real.IsSelected(id) {
			return true
		}
	}
	return false
}

// destroyAll deletes every ES from the real output immediately.
func (o *esOutput) destroyAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, es := range append(o.es, o.recycle...) {
		if id, ok := es.id(); ok {
			o.real.DelES(id)
			es.created.Store(false)
		}
	}
	o.es = nil
	o.recycle = nil
}
