package epscope

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"github.com/epscope/epscope/internal/hw"
)

// ADCSelect picks which converter front end an acquisition session drives.
// The two are mutually exclusive; switching requires a stop.
type ADCSelect int

// The converter front ends.
const (
	ADCInternal ADCSelect = iota
	ADCExternal
)

// Default acquisition parameters, used until the host configures a
// connection. The timer defaults give one sample per millisecond.
const (
	DefaultResolution     = 16
	DefaultClockDiv       = 1
	DefaultSampleCycles   = 1.5
	DefaultOversampling   = 0 // off
	DefaultTimerPrescaler = 199
	DefaultTimerPeriod    = 999
	DefaultSamplesPerChan = 500
)

// AcquisitionConfig is the full parameter set of the analog front end.
// Channel offsets are stored configuration only: the host subtracts them,
// the device never does.
type AcquisitionConfig struct {
	Resolution     int
	ClockDiv       int
	SampleCycles   [2]float64
	Oversampling   int
	TimerPrescaler uint32
	TimerPeriod    uint32
	SamplesPerChan int
	ChannelOffset  [2]uint16
}

// DefaultAcquisitionConfig returns the documented power-on defaults.
func DefaultAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		Resolution:     DefaultResolution,
		ClockDiv:       DefaultClockDiv,
		SampleCycles:   [2]float64{DefaultSampleCycles, DefaultSampleCycles},
		Oversampling:   DefaultOversampling,
		TimerPrescaler: DefaultTimerPrescaler,
		TimerPeriod:    DefaultTimerPeriod,
		SamplesPerChan: DefaultSamplesPerChan,
	}
}

// ValidResolution reports whether v is an allowed converter resolution.
func ValidResolution(v int) bool {
	switch v {
	case 10, 12, 14, 16:
		return true
	}
	return false
}

// ValidClockDiv reports whether v is an allowed converter clock divider.
func ValidClockDiv(v int) bool {
	switch v {
	case 1, 2, 4, 8, 16, 32, 64, 128, 256:
		return true
	}
	return false
}

// ValidSampleCycles reports whether v is an allowed per-channel sampling
// time, in converter cycles.
func ValidSampleCycles(v float64) bool {
	switch v {
	case 1.5, 2.5, 8.5, 16.5, 32.5, 64.5, 387.5, 810.5:
		return true
	}
	return false
}

// ValidOversampling reports whether v is an allowed oversampling ratio.
// Zero means off.
func ValidOversampling(v int) bool {
	switch v {
	case 0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024:
		return true
	}
	return false
}

// ValidTimer rejects timer settings that would pace samples faster than
// 1 µs at the nominal 200 MHz timer input.
func ValidTimer(prescaler, period uint32) bool {
	return !(prescaler == 0 && period < 200)
}

// Validate checks every field against its enumerated domain, sizing
// samples-per-channel against the pool's slots.
func (cfg AcquisitionConfig) Validate(pool *BufferPool) error {
	if !ValidResolution(cfg.Resolution) {
		return fmt.Errorf("resolution %d: %w", cfg.Resolution, ErrInvalidArgument)
	}
	if !ValidClockDiv(cfg.ClockDiv) {
		return fmt.Errorf("clock divider %d: %w", cfg.ClockDiv, ErrInvalidArgument)
	}
	for ch, sc := range cfg.SampleCycles {
		if !ValidSampleCycles(sc) {
			return fmt.Errorf("channel %d sampling time %v: %w", ch+1, sc, ErrInvalidArgument)
		}
	}
	if !ValidOversampling(cfg.Oversampling) {
		return fmt.Errorf("oversampling ratio %d: %w", cfg.Oversampling, ErrInvalidArgument)
	}
	if !ValidTimer(cfg.TimerPrescaler, cfg.TimerPeriod) {
		return fmt.Errorf("timer prescaler=%d period=%d paces below 1 µs: %w",
			cfg.TimerPrescaler, cfg.TimerPeriod, ErrInvalidArgument)
	}
	if max := pool.SampleWords() / 2; cfg.SamplesPerChan < 1 || cfg.SamplesPerChan > max {
		return fmt.Errorf("samples per channel %d, want 1..%d: %w", cfg.SamplesPerChan, max, ErrInvalidArgument)
	}
	return nil
}

func (cfg AcquisitionConfig) hardware() hw.ADCConfig {
	return hw.ADCConfig{
		Resolution:     cfg.Resolution,
		ClockDiv:       cfg.ClockDiv,
		SampleCycles:   cfg.SampleCycles[0],
		Oversampling:   cfg.Oversampling,
		TimerPrescaler: cfg.TimerPrescaler,
		TimerPeriod:    cfg.TimerPeriod,
		SamplesPerChan: cfg.SamplesPerChan,
	}
}

// SamplePeriodMicro returns the derived sample period in microseconds.
func (cfg AcquisitionConfig) SamplePeriodMicro() float64 {
	ovs := cfg.Oversampling
	if ovs < 1 {
		ovs = 1
	}
	ticks := float64(cfg.TimerPrescaler+1) * float64(cfg.TimerPeriod+1) * float64(ovs)
	return ticks / FTimerInput * 1e6
}

// BufferReady describes one completed sample buffer. It is what the
// acquisition callback hands to the stream consumer.
type BufferReady struct {
	Index     int    // pool slot index
	Seq       uint32 // per-session sequence counter
	EventFlag uint16 // 1 if an energy-point capture was latched
	Size      int    // bytes to transmit, header included
}

// AcquisitionEngine drives one converter front end over the pool's two
// double-buffer slots (the first and last slot). It is a singleton resource:
// at most one connection holds an active session.
//
// The completion callback runs on the driver's transfer goroutine and is
// held to ISR discipline: no blocking, no allocation, single-word state
// publication.
type AcquisitionEngine struct {
	pool     *BufferPool
	internal hw.ADC
	external hw.ADC

	stateLock sync.Mutex
	active    bool
	adc       hw.ADC // converter of the running session, nil when inactive
	cfg       AcquisitionConfig
	sink      func(BufferReady)
	onOverrun func()
	runAbort  chan struct{}

	seq       atomic.Uint32
	epPending atomic.Bool
	overrun   chan struct{}
	slots     [2]int
}

// NewAcquisitionEngine returns an engine over the given pool and the two
// converter drivers, configured with the power-on defaults.
func NewAcquisitionEngine(pool *BufferPool, internal, external hw.ADC) *AcquisitionEngine {
	nslots, _ := pool.Capacity()
	return &AcquisitionEngine{
		pool:     pool,
		internal: internal,
		external: external,
		cfg:      DefaultAcquisitionConfig(),
		slots:    [2]int{0, nslots - 1},
	}
}

// Configure replaces the engine's parameter set. Requires an inactive engine.
func (e *AcquisitionEngine) Configure(cfg AcquisitionConfig) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.active {
		return fmt.Errorf("cannot configure an active engine: %w", ErrWrongState)
	}
	if err := cfg.Validate(e.pool); err != nil {
		return err
	}
	e.cfg = cfg
	return nil
}

// Config returns the engine's current parameter set.
func (e *AcquisitionEngine) Config() AcquisitionConfig {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.cfg
}

// SetSink installs the buffer-ready consumer. Must be set before Start;
// the sink must not block.
func (e *AcquisitionEngine) SetSink(sink func(BufferReady)) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.sink = sink
}

// SetOnOverrun installs the callback invoked after an overrun self-stop.
func (e *AcquisitionEngine) SetOnOverrun(f func()) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.onOverrun = f
}

// Running reports whether a session is active.
func (e *AcquisitionEngine) Running() bool {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.active
}

// Start begins acquisition on the selected converter. Requires an inactive
// engine and an installed sink.
func (e *AcquisitionEngine) Start(sel ADCSelect) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.active {
		return fmt.Errorf("engine already active: %w", ErrWrongState)
	}
	if e.sink == nil {
		return fmt.Errorf("no buffer sink installed: %w", ErrWrongState)
	}
	adc := e.internal
	if sel == ADCExternal {
		adc = e.external
	}
	if err := adc.Configure(e.cfg.hardware()); err != nil {
		return fmt.Errorf("converter refused configuration: %w (%v)", ErrDeviceError, err)
	}

	e.seq.Store(0)
	e.epPending.Store(false)
	e.overrun = make(chan struct{}, 1)
	e.runAbort = make(chan struct{})

	var targets [2][]uint16
	for half, idx := range e.slots {
		if err := e.pool.MarkFilling(idx); err != nil {
			for _, prior := range e.slots[:half] {
				e.pool.Release(prior)
			}
			return err
		}
		slot := e.pool.Slot(idx)
		targets[half] = slot[HeaderWords : HeaderWords+2*e.cfg.SamplesPerChan]
	}
	if err := adc.Start(targets, e.onTransferComplete); err != nil {
		e.pool.Release(e.slots[0])
		e.pool.Release(e.slots[1])
		return fmt.Errorf("converter refused start: %w (%v)", ErrDeviceError, err)
	}
	e.adc = adc
	e.active = true
	go e.watchOverrun(adc, e.runAbort, e.overrun)
	return nil
}

// onTransferComplete is the DMA completion path. It publishes the finished
// slot and hands the other slot back to the transfer, or declares overrun
// if the consumer still owns it.
func (e *AcquisitionEngine) onTransferComplete(half int) {
	idx := e.slots[half]
	other := e.slots[1-half]

	// A Full opposite slot means the consumer fell behind a whole buffer.
	switch e.pool.State(other) {
	case BufferFull:
		select {
		case e.overrun <- struct{}{}:
		default:
		}
		return
	case BufferFree:
		e.pool.MarkFilling(other)
	}

	seq := e.seq.Load()
	var flag uint16
	if e.epPending.Swap(false) {
		flag = 1
	}
	slot := e.pool.Slot(idx)
	slot[0] = uint16(seq)
	slot[1] = uint16(seq >> 16)
	slot[2] = StreamMagic
	slot[3] = flag

	// Publish the state before the descriptor: a sink that releases the
	// slot synchronously must not have its Free store clobbered.
	e.pool.MarkFullFromISR(idx)
	n := e.cfg.SamplesPerChan
	e.sink(BufferReady{Index: idx, Seq: seq, EventFlag: flag, Size: 2 * (HeaderWords + 2*n)})
	e.seq.Add(1)
}

// watchOverrun performs the overrun self-stop outside the completion path.
func (e *AcquisitionEngine) watchOverrun(adc hw.ADC, abort <-chan struct{}, overrun <-chan struct{}) {
	select {
	case <-abort:
		return
	case <-overrun:
	}
	ProblemLogger.Printf("acquisition overrun: consumer fell behind, self-stopping")
	adc.Stop()
	e.stateLock.Lock()
	e.finishRunLocked()
	onOverrun := e.onOverrun
	e.stateLock.Unlock()
	if onOverrun != nil {
		onOverrun()
	}
}

// finishRunLocked reclaims any slot the DMA still owned. Call with the
// state lock held, after the converter has stopped.
func (e *AcquisitionEngine) finishRunLocked() {
	if !e.active {
		return
	}
	e.active = false
	e.adc = nil
	for _, idx := range e.slots {
		if e.pool.State(idx) == BufferFilling {
			e.pool.Release(idx)
		}
	}
}

// Stop ends the running session. Requires an active engine.
func (e *AcquisitionEngine) Stop() error {
	e.stateLock.Lock()
	if !e.active {
		e.stateLock.Unlock()
		return fmt.Errorf("engine not active, cannot stop: %w", ErrWrongState)
	}
	adc := e.adc
	abort := e.runAbort
	e.stateLock.Unlock()

	close(abort)
	adc.Stop()

	e.stateLock.Lock()
	e.finishRunLocked()
	e.stateLock.Unlock()
	return nil
}

// RequestEventCapture latches "the next completed buffer carries
// event_flag=1" and returns the stream sequence at the moment of the call.
// Safe to call from an edge callback.
func (e *AcquisitionEngine) RequestEventCapture() uint32 {
	e.epPending.Store(true)
	return e.seq.Load()
}

// ReadInstant runs a one-shot conversion burst on the given channel (0 or 1)
// and returns the mean of the first full buffer. It fails if the engine is
// already active.
func (e *AcquisitionEngine) ReadInstant(sel ADCSelect, channel int) (uint32, error) {
	e.stateLock.Lock()
	if e.active {
		e.stateLock.Unlock()
		return 0, fmt.Errorf("cannot read instant value while acquiring: %w", ErrWrongState)
	}
	adc := e.internal
	if sel == ADCExternal {
		adc = e.external
	}
	n := e.cfg.SamplesPerChan
	e.stateLock.Unlock()

	if channel < 0 || channel > 1 {
		return 0, fmt.Errorf("channel %d, want 0 or 1: %w", channel, ErrInvalidArgument)
	}
	raw, err := adc.ConvertBlock(channel, n)
	if err != nil {
		return 0, fmt.Errorf("instant conversion failed: %w (%v)", ErrDeviceError, err)
	}
	samples := make([]float64, len(raw))
	for i, v := range raw {
		samples[i] = float64(v)
	}
	return uint32(stat.Mean(samples, nil)), nil
}
