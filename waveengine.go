package epscope

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/epscope/epscope/internal/hw"
)

// WaveChunk is one piecewise-constant segment of a discharge profile.
// Deviation percentages and the repetition count are parsed and stored for
// future randomization; the scheduler does not consume them yet.
type WaveChunk struct {
	ID               int
	BaseValue        uint16 // DAC units; 0 means load off
	BaseDeviationPct int
	DurationMS       uint32
	DurDeviationPct  int
	Repetitions      int

	prev, next int // arena indices, -1 = none
}

// WaveState is the discharge engine's run state.
type WaveState int

// Wave engine states.
const (
	WaveInactive WaveState = iota
	WaveActive
)

// faultChecker reports whether any protection fault is latched active.
type faultChecker interface {
	AnyActive() bool
}

// WaveEngine parses, stores and executes a discharge profile: a cyclic,
// doubly-linked program of WaveChunks held in a fixed arena, stepped by a
// 1 kHz tick. The tick path never takes the engine mutex: it only walks the
// current pointer and reads the chunk it points at, which are immutable
// while the engine runs (AddChunk and Clear require a stopped engine).
type WaveEngine struct {
	dac    hw.DAC
	load   hw.Line
	faults faultChecker

	mu     sync.Mutex
	chunks [WaveChunkMax]WaveChunk
	count  int
	first  int
	last   int
	state  WaveState

	// Tick-side fields, touched only by the tick goroutine while Active.
	current   int
	ticks     uint32
	nextEvent uint32
	loadOn    bool

	abort chan struct{}
	done  sync.WaitGroup
}

// NewWaveEngine returns an empty, inactive engine driving the given current
// sink and load switch. faults may be nil until SetFaultChecker is called.
func NewWaveEngine(dac hw.DAC, load hw.Line) *WaveEngine {
	return &WaveEngine{dac: dac, load: load, first: -1, last: -1, current: -1}
}

// SetFaultChecker installs the protection-state source consulted by Start.
func (w *WaveEngine) SetFaultChecker(fc faultChecker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults = fc
}

// AddChunk parses "base,base_dev,duration_ms,dur_dev,repetitions[;]" and
// appends the chunk to the program. Requires a stopped engine.
func (w *WaveEngine) AddChunk(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WaveActive {
		return fmt.Errorf("cannot add a chunk to a running wave: %w", ErrWrongState)
	}
	if w.count >= WaveChunkMax {
		return fmt.Errorf("wave program full (%d chunks): %w", WaveChunkMax, ErrInvalidArgument)
	}

	fields := strings.Split(strings.TrimSuffix(strings.TrimSpace(text), ";"), ",")
	if len(fields) != 5 {
		return fmt.Errorf("wave chunk %q has %d fields, want 5: %w", text, len(fields), ErrInvalidArgument)
	}
	var nums [5]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return fmt.Errorf("wave chunk field %q: %w", f, ErrInvalidArgument)
		}
		nums[i] = v
	}
	if nums[0] > 0xffff {
		return fmt.Errorf("wave base value %d exceeds DAC range: %w", nums[0], ErrInvalidArgument)
	}
	if nums[2] == 0 {
		return fmt.Errorf("wave chunk duration must be at least 1 ms: %w", ErrInvalidArgument)
	}

	idx := w.count
	w.chunks[idx] = WaveChunk{
		ID:               idx,
		BaseValue:        uint16(nums[0]),
		BaseDeviationPct: int(nums[1]),
		DurationMS:       uint32(nums[2]),
		DurDeviationPct:  int(nums[3]),
		Repetitions:      int(nums[4]),
		prev:             w.last,
		next:             -1,
	}
	if w.last >= 0 {
		w.chunks[w.last].next = idx
	} else {
		w.first = idx
	}
	w.last = idx
	w.count++
	return nil
}

// Clear empties the program. Rejected while the wave runs.
func (w *WaveEngine) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WaveActive {
		return fmt.Errorf("cannot clear a running wave: %w", ErrWrongState)
	}
	w.count = 0
	w.first, w.last, w.current = -1, -1, -1
	return nil
}

// Count returns the number of chunks queued.
func (w *WaveEngine) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Chunks returns a copy of the queued program.
func (w *WaveEngine) Chunks() []WaveChunk {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WaveChunk, w.count)
	copy(out, w.chunks[:w.count])
	return out
}

// State returns the engine's run state.
func (w *WaveEngine) State() WaveState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start arms the 1 kHz tick. It requires at least two queued chunks and no
// latched protection fault.
func (w *WaveEngine) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WaveActive {
		return fmt.Errorf("wave already active: %w", ErrWrongState)
	}
	if w.count < 2 {
		return fmt.Errorf("wave needs at least 2 chunks, have %d: %w", w.count, ErrWrongState)
	}
	if w.faults != nil && w.faults.AnyActive() {
		return fmt.Errorf("protection fault latched, wave start refused: %w", ErrWrongState)
	}

	w.current = w.first
	w.ticks = 0
	w.nextEvent = 1 // execute the first chunk on the first tick
	w.loadOn = false
	w.abort = make(chan struct{})
	w.state = WaveActive
	w.done.Add(1)
	go w.run(w.abort)
	UpdateLogger.Printf("wave started with %d chunks", w.count)
	return nil
}

// run is the tick goroutine.
func (w *WaveEngine) run(abort <-chan struct{}) {
	defer w.done.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			w.step()
		}
	}
}

// step is one 1 ms tick.
func (w *WaveEngine) step() {
	w.ticks++
	if w.ticks != w.nextEvent {
		return
	}
	w.ticks = 0
	w.executeCurrent()
}

// executeCurrent applies the current chunk and advances the program,
// wrapping to the head at the end for a cyclic traversal.
func (w *WaveEngine) executeCurrent() {
	chunk := &w.chunks[w.current]
	if chunk.BaseValue > 0 {
		w.dac.SetValue(chunk.BaseValue)
		if !w.loadOn {
			w.dac.SetEnabled(true)
			w.load.Set(true)
			w.loadOn = true
		}
	} else {
		if w.loadOn {
			w.load.Set(false)
			w.dac.SetEnabled(false)
			w.loadOn = false
		}
		w.dac.SetValue(0)
	}
	w.nextEvent = chunk.DurationMS
	w.current = chunk.next
	if w.current < 0 {
		w.current = w.first
	}
}

// Stop disarms the tick and forces the safe state: DAC at zero, output off,
// load disabled. Always legal.
func (w *WaveEngine) Stop() error {
	w.mu.Lock()
	if w.state == WaveActive {
		close(w.abort)
		w.state = WaveInactive
		w.mu.Unlock()
		w.done.Wait()
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	w.dac.SetValue(0)
	w.load.Set(false)
	w.dac.SetEnabled(false)
	w.loadOn = false
	return nil
}

// SafeStop is the fault-interrupt path; it forces the stop sequence
// unconditionally.
func (w *WaveEngine) SafeStop() {
	w.Stop()
}
