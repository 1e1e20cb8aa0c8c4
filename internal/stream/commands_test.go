package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentBlock struct {
	es    ESID
	block Block
}

// recordingOutput captures everything released by a command queue.
type recordingOutput struct {
	mu         sync.Mutex
	nextID     ESID
	formats    map[ESID]ESFormat
	deleted    []ESID
	blocks     []sentBlock
	pcrs       []time.Duration
	resets     int
	unselected bool
	addErr     error
}

func newRecordingOutput() *recordingOutput {
	return &recordingOutput{formats: make(map[ESID]ESFormat)}
}

func (o *recordingOutput) AddES(f ESFormat) (ESID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.addErr != nil {
		return 0, o.addErr
	}
	o.nextID++
	o.formats[o.nextID] = f
	return o.nextID, nil
}

func (o *recordingOutput) DelES(id ESID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, id)
}

func (o *recordingOutput) Send(id ESID, b *Block) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks = append(o.blocks, sentBlock{es: id, block: *b})
	return nil
}

func (o *recordingOutput) SetPCR(pcr time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pcrs = append(o.pcrs, pcr)
}

func (o *recordingOutput) ResetPCR() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

func (o *recordingOutput) IsSelected(ESID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.unselected
}

func (o *recordingOutput) added() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.nextID)
}

func (o *recordingOutput) dts() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]time.Duration, len(o.blocks))
	for i, b := range o.blocks {
		out[i] = b.block.DTS
	}
	return out
}

func sendCmd(es *fakeES, dts time.Duration) command {
	return command{kind: cmdSend, es: es, block: &Block{PTS: dts, DTS: dts}}
}

func pcrCmd(ts time.Duration) command {
	return command{kind: cmdPCR, ts: ts}
}

func TestCommandQueue_CommitVisibility(t *testing.T) {
	q := newCommandQueue(nil)
	out := newRecordingOutput()
	es := &fakeES{format: ESFormat{Kind: "audio", Codec: "aac"}}

	q.Schedule(command{kind: cmdCreate, es: es})
	q.Schedule(sendCmd(es, 0))
	assert.Equal(t, NoTimestamp, q.BufferingLevel())

	// Nothing is committed yet.
	q.Process(out, time.Hour)
	assert.Zero(t, out.added())
	assert.False(t, q.IsEmpty())

	q.Commit()
	q.Process(out, time.Hour)
	assert.Equal(t, 1, out.added())
	assert.Len(t, out.blocks, 1)
	assert.True(t, q.IsEmpty())
}

func TestCommandQueue_PCRRaisesLevelAndCommits(t *testing.T) {
	q := newCommandQueue(nil)
	es := &fakeES{}

	q.Schedule(sendCmd(es, time.Second))
	q.Schedule(pcrCmd(time.Second))
	assert.Equal(t, time.Second, q.BufferingLevel())

	// A lower PCR does not lower the level.
	q.Schedule(pcrCmd(500 * time.Millisecond))
	assert.Equal(t, time.Second, q.BufferingLevel())
	assert.Equal(t, time.Second, q.FirstDTS())
}

func TestCommandQueue_ProcessStopsAtBarrier(t *testing.T) {
	q := newCommandQueue(nil)
	out := newRecordingOutput()
	es := &fakeES{format: ESFormat{Kind: "video", Codec: "h264"}}

	q.Schedule(command{kind: cmdCreate, es: es})
	for _, ts := range []time.Duration{0, time.Second, 2 * time.Second} {
		q.Schedule(sendCmd(es, ts))
		q.Schedule(pcrCmd(ts))
	}

	pcr := q.Process(out, time.Second)
	assert.Equal(t, time.Second, pcr)
	assert.Equal(t, []time.Duration{0, time.Second}, out.dts())
	assert.Equal(t, time.Second, q.PCR())

	// Nothing due: the barrier comes back.
	assert.Equal(t, 1500*time.Millisecond, q.Process(out, 1500*time.Millisecond))
	assert.Len(t, out.blocks, 2)

	q.Process(out, 2*time.Second)
	assert.Len(t, out.blocks, 3)
	assert.True(t, q.IsEmpty())
}

func TestCommandQueue_SendBeforeCreateIsSkipped(t *testing.T) {
	q := newCommandQueue(nil)
	out := newRecordingOutput()
	out.addErr = errors.New("no decoder")
	es := &fakeES{}

	q.Schedule(command{kind: cmdCreate, es: es})
	q.Schedule(sendCmd(es, 0))
	q.Schedule(pcrCmd(0))
	q.Process(out, 0)

	assert.Empty(t, out.blocks)
	assert.False(t, es.created.Load())
}

func TestCommandQueue_DuplicateCreateIgnored(t *testing.T) {
	q := newCommandQueue(nil)
	out := newRecordingOutput()
	es := &fakeES{}

	q.Schedule(command{kind: cmdCreate, es: es})
	q.Schedule(command{kind: cmdCreate, es: es})
	q.Commit()
	q.Process(out, 0)
	assert.Equal(t, 1, out.added())
}

func TestCommandQueue_Drop(t *testing.T) {
	q := newCommandQueue(nil)
	q.SetDrop(true)
	q.Schedule(pcrCmd(time.Second))
	assert.True(t, q.IsEmpty())
	assert.Equal(t, NoTimestamp, q.BufferingLevel())

	q.SetDrop(false)
	q.Schedule(pcrCmd(time.Second))
	assert.False(t, q.IsEmpty())
}

func TestCommandQueue_Abort(t *testing.T) {
	q := newCommandQueue(nil)
	es := &fakeES{}
	q.Schedule(sendCmd(es, 0))
	q.Schedule(pcrCmd(time.Second))
	q.SetFlush()
	q.SetEOF()

	q.Abort(false)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, time.Second, q.BufferingLevel())
	assert.True(t, q.IsFlushing())
	assert.True(t, q.IsEOF())

	q.Abort(true)
	assert.Equal(t, NoTimestamp, q.BufferingLevel())
	assert.Equal(t, NoTimestamp, q.PCR())
	assert.False(t, q.IsFlushing())
	assert.False(t, q.Ended())
}

func TestCommandQueue_EOF(t *testing.T) {
	q := newCommandQueue(nil)
	out := newRecordingOutput()
	es := &fakeES{}

	q.Schedule(command{kind: cmdCreate, es: es})
	q.Schedule(sendCmd(es, time.Second))
	q.SetEOF()

	// Ended but not drained.
	assert.True(t, q.Ended())
	assert.False(t, q.IsEOF())

	q.Process(out, time.Second)
	assert.True(t, q.IsEOF())
}

func TestCommandQueue_DemuxedAmount(t *testing.T) {
	q := newCommandQueue(nil)
	out := newRecordingOutput()
	es := &fakeES{}

	assert.Zero(t, q.DemuxedAmount())

	q.Schedule(command{kind: cmdCreate, es: es})
	for _, ts := range []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second} {
		q.Schedule(sendCmd(es, ts))
		q.Schedule(pcrCmd(ts))
	}
	assert.Equal(t, 2*time.Second, q.DemuxedAmount())

	q.Process(out, 2*time.Second)
	assert.Equal(t, time.Second, q.DemuxedAmount())

	// Drained: measured from the last PCR.
	q.Process(out, 4*time.Second)
	assert.Zero(t, q.DemuxedAmount())
	require.Equal(t, 4*time.Second, q.FirstDTS())
}
