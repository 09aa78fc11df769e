package epscope

import (
	"fmt"
	"sync/atomic"
)

// BufferState is the ownership state of one pool slot.
type BufferState int32

// A slot is in exactly one of these states at any time.
const (
	BufferFree    BufferState = iota // nobody owns the slot
	BufferFilling                    // the DMA transfer owns the slot
	BufferFull                       // a consumer owns the slot
)

// BufferPool owns a fixed set of sample buffers. The acquisition callback
// (the ISR side) marks slots full; exactly one consumer goroutine per pool
// releases them. Per-slot state is a single atomic word, so both sides see
// transitions without a lock.
type BufferPool struct {
	slots [][]uint16
	state []atomic.Int32
}

// NewBufferPool allocates nslots buffers, each holding HeaderWords header
// words plus sampleWords sample words.
func NewBufferPool(nslots, sampleWords int) *BufferPool {
	p := &BufferPool{
		slots: make([][]uint16, nslots),
		state: make([]atomic.Int32, nslots),
	}
	for i := range p.slots {
		p.slots[i] = make([]uint16, HeaderWords+sampleWords)
	}
	return p
}

// Capacity reports the slot count and the size of one slot in bytes.
func (p *BufferPool) Capacity() (slots, bytesPerSlot int) {
	return len(p.slots), 2 * len(p.slots[0])
}

// SampleWords reports how many sample words one slot can hold.
func (p *BufferPool) SampleWords() int {
	return len(p.slots[0]) - HeaderWords
}

// Slot returns the backing storage of slot i, header included.
func (p *BufferPool) Slot(i int) []uint16 {
	return p.slots[i]
}

// IsFree reports whether slot i is unowned.
func (p *BufferPool) IsFree(i int) bool {
	return BufferState(p.state[i].Load()) == BufferFree
}

// State returns the current state of slot i.
func (p *BufferPool) State(i int) BufferState {
	return BufferState(p.state[i].Load())
}

// MarkFilling hands slot i to the DMA transfer. It fails if the slot is not
// free, which is how the acquisition callback detects overrun.
func (p *BufferPool) MarkFilling(i int) error {
	if !p.state[i].CompareAndSwap(int32(BufferFree), int32(BufferFilling)) {
		return fmt.Errorf("pool slot %d is %v, not free: %w", i, BufferState(p.state[i].Load()), ErrOverrun)
	}
	return nil
}

// MarkFullFromISR publishes slot i as full. Called only from the acquisition
// completion callback, after the header words are written.
func (p *BufferPool) MarkFullFromISR(i int) {
	p.state[i].Store(int32(BufferFull))
}

// Release returns slot i to the pool. Called only by the consumer goroutine
// once the transmit of the slot has finished.
func (p *BufferPool) Release(i int) {
	p.state[i].Store(int32(BufferFree))
}

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "Free"
	case BufferFilling:
		return "Filling"
	case BufferFull:
		return "Full"
	}
	return fmt.Sprintf("BufferState(%d)", int32(s))
}
