package hw

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// SamplePeriod returns the time between samples implied by the timer
// settings and oversampling ratio, given the timer input frequency in Hz.
func (c ADCConfig) SamplePeriod(ftimer float64) time.Duration {
	ovs := c.Oversampling
	if ovs < 1 {
		ovs = 1
	}
	ticks := float64(c.TimerPrescaler+1) * float64(c.TimerPeriod+1) * float64(ovs)
	return time.Duration(ticks / ftimer * float64(time.Second))
}

// TransferPeriod returns the time to fill one double-buffer slot.
func (c ADCConfig) TransferPeriod(ftimer float64) time.Duration {
	return time.Duration(c.SamplesPerChan) * c.SamplePeriod(ftimer)
}

// SimADC is a simulated timer+converter+DMA triple. It produces a
// deterministic per-channel ramp at the pace the timer settings imply and
// reports transfer completions exactly like the hardware driver: one
// non-blocking complete(half) call per filled slot.
type SimADC struct {
	ftimer float64

	mu        sync.Mutex
	cfg       ADCConfig
	streaming bool
	phase     uint16
	abort     chan struct{}
	done      sync.WaitGroup
}

// NewSimADC returns a simulated converter paced as if its timer ran at
// ftimer Hz.
func NewSimADC(ftimer float64) *SimADC {
	return &SimADC{ftimer: ftimer}
}

// Configure stores the front-end settings. Streaming must be stopped.
func (a *SimADC) Configure(cfg ADCConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streaming {
		return fmt.Errorf("SimADC.Configure: converter is streaming")
	}
	if cfg.SamplesPerChan < 1 {
		return fmt.Errorf("SimADC.Configure: SamplesPerChan=%d, want >= 1", cfg.SamplesPerChan)
	}
	a.cfg = cfg
	return nil
}

// Start begins alternate filling of the two targets.
func (a *SimADC) Start(targets [2][]uint16, complete func(half int)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streaming {
		return fmt.Errorf("SimADC.Start: converter is already streaming")
	}
	n := a.cfg.SamplesPerChan
	if n < 1 {
		return fmt.Errorf("SimADC.Start: not configured")
	}
	for half, t := range targets {
		if len(t) < 2*n {
			return fmt.Errorf("SimADC.Start: target %d holds %d words, want >= %d", half, len(t), 2*n)
		}
	}

	a.streaming = true
	a.abort = make(chan struct{})
	a.done.Add(1)
	period := a.cfg.TransferPeriod(a.ftimer)
	if period <= 0 {
		period = time.Nanosecond
	}
	abort := a.abort
	go func() {
		defer a.done.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		half := 0
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				a.fill(targets[half])
				complete(half)
				half = 1 - half
			}
		}
	}()
	return nil
}

// fill writes one transfer worth of ramp data: channel-A block then
// channel-B block, each value masked to the configured resolution.
func (a *SimADC) fill(target []uint16) {
	a.mu.Lock()
	n := a.cfg.SamplesPerChan
	mask := uint16(1)<<a.cfg.Resolution - 1
	base := a.phase
	a.phase += uint16(n)
	a.mu.Unlock()

	for i := 0; i < n; i++ {
		target[i] = (base + uint16(i)) & mask
		target[n+i] = (0x2000 + base + uint16(i)) & mask
	}
}

// Stop ends streaming and waits for the transfer goroutine to exit.
func (a *SimADC) Stop() error {
	a.mu.Lock()
	if !a.streaming {
		a.mu.Unlock()
		return nil
	}
	a.streaming = false
	close(a.abort)
	a.mu.Unlock()
	a.done.Wait()
	return nil
}

// ConvertBlock runs a one-shot burst on the given channel. The simulated
// level is 1000 on channel 0 and 2000 on channel 1, with a small alternation
// so averaging is exercised.
func (a *SimADC) ConvertBlock(channel, n int) ([]uint16, error) {
	a.mu.Lock()
	streaming := a.streaming
	a.mu.Unlock()
	if streaming {
		return nil, fmt.Errorf("SimADC.ConvertBlock: converter is streaming")
	}
	if channel < 0 || channel > 1 {
		return nil, fmt.Errorf("SimADC.ConvertBlock: channel=%d, want 0 or 1", channel)
	}
	out := make([]uint16, n)
	level := uint16(1000 * (channel + 1))
	for i := range out {
		out[i] = level
		if i%2 == 1 {
			out[i] = level + 2
		}
	}
	return out, nil
}

// SimLine is a simulated GPIO line. Setting a new level posts one edge
// event carrying that level; tests inject faults and sync pulses with Set.
type SimLine struct {
	mu    sync.Mutex
	level bool
	edges chan bool
}

// NewSimLine returns a SimLine at level low.
func NewSimLine() *SimLine {
	return &SimLine{edges: make(chan bool, 8)}
}

// Set drives the line. A level change posts an edge event; events are
// dropped, not buffered, when the channel is full.
func (l *SimLine) Set(level bool) error {
	l.mu.Lock()
	changed := level != l.level
	l.level = level
	l.mu.Unlock()
	if changed {
		select {
		case l.edges <- level:
		default:
		}
	}
	return nil
}

// Get samples the line.
func (l *SimLine) Get() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, nil
}

// Edges returns the edge event channel.
func (l *SimLine) Edges() <-chan bool {
	return l.edges
}

// SimUART is an in-memory byte pipe standing in for the debug-event UART.
type SimUART struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// NewSimUART returns a connected simulated UART.
func NewSimUART() *SimUART {
	r, w := io.Pipe()
	return &SimUART{r: r, w: w}
}

func (u *SimUART) Read(p []byte) (int, error) { return u.r.Read(p) }

// Close closes both pipe ends.
func (u *SimUART) Close() error {
	u.w.Close()
	return u.r.Close()
}

// WriteString injects bytes as if the external debugger sent them.
func (u *SimUART) WriteString(s string) (int, error) {
	return u.w.Write([]byte(s))
}

// SimDAC is a simulated current-sink DAC that records every setpoint.
type SimDAC struct {
	mu      sync.Mutex
	enabled bool
	value   uint16
	history []uint16
}

// NewSimDAC returns a disabled DAC at setpoint 0.
func NewSimDAC() *SimDAC { return &SimDAC{} }

func (d *SimDAC) SetEnabled(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = on
	return nil
}

func (d *SimDAC) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *SimDAC) SetValue(v uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = v
	d.history = append(d.history, v)
	return nil
}

func (d *SimDAC) Value() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// History returns every setpoint commanded since construction.
func (d *SimDAC) History() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, len(d.history))
	copy(out, d.history)
	return out
}

// SimCharger models the charger IC with a small register file.
type SimCharger struct {
	mu          sync.Mutex
	charging    bool
	current     uint16
	termCurrent uint16
	termVoltage uint16
}

// NewSimCharger returns a charger with charging disabled.
func NewSimCharger() *SimCharger {
	return &SimCharger{current: 500, termCurrent: 50, termVoltage: 4200}
}

func (c *SimCharger) SetCharging(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charging = on
	return nil
}

func (c *SimCharger) Charging() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charging, nil
}

func (c *SimCharger) SetChargeCurrent(mA uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = mA
	return nil
}

func (c *SimCharger) ChargeCurrent() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}

func (c *SimCharger) SetTermCurrent(mA uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termCurrent = mA
	return nil
}

func (c *SimCharger) TermCurrent() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termCurrent, nil
}

func (c *SimCharger) SetTermVoltage(mV uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termVoltage = mV
	return nil
}

func (c *SimCharger) TermVoltage() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termVoltage, nil
}

// ReadRegister synthesizes the charger's register map: reg 0 is status with
// the charging bit, regs 1-3 expose the configured values divided to bytes.
func (c *SimCharger) ReadRegister(reg uint8) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch reg {
	case 0:
		if c.charging {
			return 0x01, nil
		}
		return 0x00, nil
	case 1:
		return uint8(c.current / 64), nil
	case 2:
		return uint8(c.termCurrent / 16), nil
	case 3:
		return uint8((c.termVoltage - 3500) / 16), nil
	}
	return 0, fmt.Errorf("SimCharger.ReadRegister: no register 0x%02x", reg)
}

// SimRGB remembers the last commanded LED color.
type SimRGB struct {
	mu      sync.Mutex
	R, G, B uint8
}

// NewSimRGB returns the simulated status LED.
func NewSimRGB() *SimRGB { return &SimRGB{} }

func (l *SimRGB) SetColor(r, g, b uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.R, l.G, l.B = r, g, b
	return nil
}

// Color returns the last commanded color.
func (l *SimRGB) Color() (uint8, uint8, uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.R, l.G, l.B
}

// SimPulser counts one-shot triggers.
type SimPulser struct {
	mu    sync.Mutex
	count int
}

// NewSimPulser returns a trigger output with zero pulses fired.
func NewSimPulser() *SimPulser { return &SimPulser{} }

func (p *SimPulser) Trigger() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

// Count returns the number of pulses fired.
func (p *SimPulser) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// SimBoard is a Board wired entirely to simulated drivers, with the
// concrete types exposed so tests can inject edges, bytes and readings.
type SimBoard struct {
	*Board
	Internal  *SimADC
	External  *SimADC
	Dac       *SimDAC
	LoadLine  *SimLine
	BatLine   *SimLine
	PathLine  *SimLine
	UVLine    *SimLine
	OVLine    *SimLine
	OCLine    *SimLine
	SyncLine  *SimLine
	Uart      *SimUART
	Chg       *SimCharger
	Led       *SimRGB
	LatchLine *SimPulser
}

// NewSimBoard builds a fully simulated Board whose converters pace
// themselves as if their timers ran at ftimer Hz.
func NewSimBoard(ftimer float64) *SimBoard {
	sb := &SimBoard{
		Internal:  NewSimADC(ftimer),
		External:  NewSimADC(ftimer),
		Dac:       NewSimDAC(),
		LoadLine:  NewSimLine(),
		BatLine:   NewSimLine(),
		PathLine:  NewSimLine(),
		UVLine:    NewSimLine(),
		OVLine:    NewSimLine(),
		OCLine:    NewSimLine(),
		SyncLine:  NewSimLine(),
		Uart:      NewSimUART(),
		Chg:       NewSimCharger(),
		Led:       NewSimRGB(),
		LatchLine: NewSimPulser(),
	}
	sb.Board = &Board{
		ADCInternal: sb.Internal,
		ADCExternal: sb.External,
		DAC:         sb.Dac,
		Load:        sb.LoadLine,
		Battery:     sb.BatLine,
		PowerPath:   sb.PathLine,
		UV:          sb.UVLine,
		OV:          sb.OVLine,
		OC:          sb.OCLine,
		EPSync:      sb.SyncLine,
		EPUart:      sb.Uart,
		Charger:     sb.Chg,
		RGB:         sb.Led,
		Latch:       sb.LatchLine,
	}
	return sb
}
