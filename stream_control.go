package epscope

import (
	"fmt"
	"sync"
	"time"
)

// ConnState is the acquisition state of one stream connection.
type ConnState int

// Connection lifecycle states. A start transitions Inactive directly to
// Streaming: the Active and Streaming bits are always raised together.
const (
	ConnUndefined ConnState = iota
	ConnInactive
	ConnActive
	ConnStreaming
	ConnErrored
)

func (s ConnState) String() string {
	switch s {
	case ConnUndefined:
		return "Undefined"
	case ConnInactive:
		return "Inactive"
	case ConnActive:
		return "Active"
	case ConnStreaming:
		return "Streaming"
	case ConnErrored:
		return "Errored"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// DefaultApplyTimeout bounds how long a setter waits for the control
// goroutine to apply its parameter.
const DefaultApplyTimeout = 500 * time.Millisecond

// StreamConnection mediates between command handlers and the acquisition
// engine for one client. Handlers mutate the connection's parameter set
// under a mutex and hand the engine work to a dedicated control goroutine,
// waiting on a completion channel with a timeout. The control goroutine is
// the only code that touches the engine on this connection's behalf, so
// mutations are serialized and at most one reconfiguration is in flight.
type StreamConnection struct {
	id       int
	engine   *AcquisitionEngine
	endpoint *StreamEndpoint

	mu      sync.Mutex // guards cfg, state, lastErr
	cfg     AcquisitionConfig
	state   ConnState
	lastErr error

	requests chan func()
	abort    chan struct{}
	done     sync.WaitGroup
}

// NewStreamConnection creates a connection in the Inactive state with the
// documented default parameters, streaming to ip:port.
func NewStreamConnection(id int, engine *AcquisitionEngine, pool *BufferPool, ip string, port int) (*StreamConnection, error) {
	ep, err := NewStreamEndpoint(pool, ip, port)
	if err != nil {
		return nil, err
	}
	c := &StreamConnection{
		id:       id,
		engine:   engine,
		endpoint: ep,
		cfg:      DefaultAcquisitionConfig(),
		state:    ConnInactive,
		requests: make(chan func(), 16),
		abort:    make(chan struct{}),
	}
	c.done.Add(1)
	go c.run()
	return c, nil
}

// run is the control goroutine: it serializes all engine work requested on
// this connection, in request order.
func (c *StreamConnection) run() {
	defer c.done.Done()
	for {
		select {
		case <-c.abort:
			return
		case req := <-c.requests:
			req()
		}
	}
}

// ID returns the connection identifier handed to the host.
func (c *StreamConnection) ID() int { return c.id }

// State returns the connection's acquisition state.
func (c *StreamConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns a copy of the connection's parameter set.
func (c *StreamConnection) Config() AcquisitionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// LastError returns and clears the most recent engine failure that was
// absorbed by the control goroutine.
func (c *StreamConnection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

func (c *StreamConnection) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// apply runs mutate on the parameter set and has the control goroutine push
// the result to the engine. Parameters the engine cannot change live are
// rejected while streaming; engine refusals during apply are logged and
// surfaced through LastError, not through the setter's return value.
func (c *StreamConnection) apply(live bool, timeout time.Duration, mutate func(*AcquisitionConfig)) error {
	c.mu.Lock()
	if !live && (c.state == ConnActive || c.state == ConnStreaming) {
		c.mu.Unlock()
		return fmt.Errorf("connection %d is %v: %w", c.id, c.state, ErrWrongState)
	}
	mutate(&c.cfg)
	cfg := c.cfg
	streaming := c.state == ConnStreaming
	c.mu.Unlock()

	done := make(chan struct{})
	req := func() {
		defer close(done)
		if streaming {
			// Live parameters are stored configuration only; nothing to
			// push while the session runs.
			return
		}
		if err := c.engine.Configure(cfg); err != nil {
			ProblemLogger.Printf("connection %d: engine refused %+v: %v", c.id, cfg, err)
			c.setLastErr(err)
		}
	}
	select {
	case c.requests <- req:
	default:
		return fmt.Errorf("connection %d control queue full: %w", c.id, ErrWouldBlock)
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("connection %d apply timed out: %w", c.id, ErrWouldBlock)
	}
}

// SetResolution sets the converter resolution in bits.
func (c *StreamConnection) SetResolution(v int, timeout time.Duration) error {
	if !ValidResolution(v) {
		return fmt.Errorf("resolution %d: %w", v, ErrInvalidArgument)
	}
	return c.apply(false, timeout, func(cfg *AcquisitionConfig) { cfg.Resolution = v })
}

// SetClockDiv sets the converter clock divider.
func (c *StreamConnection) SetClockDiv(v int, timeout time.Duration) error {
	if !ValidClockDiv(v) {
		return fmt.Errorf("clock divider %d: %w", v, ErrInvalidArgument)
	}
	return c.apply(false, timeout, func(cfg *AcquisitionConfig) { cfg.ClockDiv = v })
}

// SetSampleCycles sets the per-channel sampling time, applied to both
// channels.
func (c *StreamConnection) SetSampleCycles(v float64, timeout time.Duration) error {
	if !ValidSampleCycles(v) {
		return fmt.Errorf("sampling time %v: %w", v, ErrInvalidArgument)
	}
	return c.apply(false, timeout, func(cfg *AcquisitionConfig) {
		cfg.SampleCycles[0] = v
		cfg.SampleCycles[1] = v
	})
}

// SetOversampling sets the oversampling ratio; zero disables it.
func (c *StreamConnection) SetOversampling(v int, timeout time.Duration) error {
	if !ValidOversampling(v) {
		return fmt.Errorf("oversampling ratio %d: %w", v, ErrInvalidArgument)
	}
	return c.apply(false, timeout, func(cfg *AcquisitionConfig) { cfg.Oversampling = v })
}

// SetTimer sets the pacing timer prescaler and period.
func (c *StreamConnection) SetTimer(prescaler, period uint32, timeout time.Duration) error {
	if !ValidTimer(prescaler, period) {
		return fmt.Errorf("timer prescaler=%d period=%d: %w", prescaler, period, ErrInvalidArgument)
	}
	return c.apply(false, timeout, func(cfg *AcquisitionConfig) {
		cfg.TimerPrescaler = prescaler
		cfg.TimerPeriod = period
	})
}

// SetSamplesPerChan sets the per-transfer sample count per channel.
func (c *StreamConnection) SetSamplesPerChan(v int, timeout time.Duration) error {
	if max := c.endpoint.pool.SampleWords() / 2; v < 1 || v > max {
		return fmt.Errorf("samples per channel %d, want 1..%d: %w", v, max, ErrInvalidArgument)
	}
	return c.apply(false, timeout, func(cfg *AcquisitionConfig) { cfg.SamplesPerChan = v })
}

// SetChannelOffset stores the host-side offset of channel ch (0 or 1). This
// is the one parameter that may change while streaming.
func (c *StreamConnection) SetChannelOffset(ch int, v uint16, timeout time.Duration) error {
	if ch < 0 || ch > 1 {
		return fmt.Errorf("channel %d, want 0 or 1: %w", ch, ErrInvalidArgument)
	}
	return c.apply(true, timeout, func(cfg *AcquisitionConfig) { cfg.ChannelOffset[ch] = v })
}

// Start acquires the engine (a singleton resource) and begins streaming.
// On success the connection is Streaming; start raises Active and Streaming
// together.
func (c *StreamConnection) Start(sel ADCSelect, timeout time.Duration) error {
	c.mu.Lock()
	if c.state != ConnInactive {
		c.mu.Unlock()
		return fmt.Errorf("connection %d is %v, cannot start: %w", c.id, c.state, ErrWrongState)
	}
	cfg := c.cfg
	c.mu.Unlock()

	result := make(chan error, 1)
	req := func() {
		result <- c.startOnControl(sel, cfg)
	}
	select {
	case c.requests <- req:
	default:
		return fmt.Errorf("connection %d control queue full: %w", c.id, ErrWouldBlock)
	}
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("connection %d start timed out: %w", c.id, ErrWouldBlock)
	}
}

func (c *StreamConnection) startOnControl(sel ADCSelect, cfg AcquisitionConfig) error {
	if err := c.engine.Configure(cfg); err != nil {
		return err
	}
	c.engine.SetSink(c.endpoint.EnqueueFromISR)
	c.engine.SetOnOverrun(c.handleOverrun)
	c.endpoint.Start()
	if err := c.engine.Start(sel); err != nil {
		c.endpoint.Stop()
		return err
	}
	c.mu.Lock()
	c.state = ConnStreaming
	c.mu.Unlock()
	UpdateLogger.Printf("connection %d streaming (adc=%d, %d samples/chan, %.3g µs/sample)",
		c.id, sel, cfg.SamplesPerChan, cfg.SamplePeriodMicro())
	return nil
}

// Stop ends the acquisition session. Stopping an Inactive connection is
// an accepted no-op.
func (c *StreamConnection) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == ConnInactive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	result := make(chan error, 1)
	req := func() {
		err := c.engine.Stop()
		c.endpoint.Stop()
		c.mu.Lock()
		c.state = ConnInactive
		c.mu.Unlock()
		result <- err
	}
	select {
	case c.requests <- req:
	default:
		return fmt.Errorf("connection %d control queue full: %w", c.id, ErrWouldBlock)
	}
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("connection %d stop timed out: %w", c.id, ErrWouldBlock)
	}
}

// handleOverrun runs after the engine's overrun self-stop. The connection
// returns to Inactive so the host can simply start again.
func (c *StreamConnection) handleOverrun() {
	c.setLastErr(ErrOverrun)
	req := func() {
		c.endpoint.Stop()
		c.mu.Lock()
		c.state = ConnInactive
		c.mu.Unlock()
		UpdateLogger.Printf("connection %d returned to Inactive after overrun", c.id)
	}
	select {
	case c.requests <- req:
	default:
		ProblemLogger.Printf("connection %d: overrun cleanup dropped, control queue full", c.id)
	}
}

// ReadValue returns an instant reading of channel ch (0 or 1): the mean of
// the last-samples window while streaming, or a one-shot engine conversion
// otherwise.
func (c *StreamConnection) ReadValue(sel ADCSelect, ch int, timeout time.Duration) (uint32, error) {
	if ch < 0 || ch > 1 {
		return 0, fmt.Errorf("channel %d, want 0 or 1: %w", ch, ErrInvalidArgument)
	}
	c.mu.Lock()
	streaming := c.state == ConnStreaming
	c.mu.Unlock()

	if streaming {
		window := c.endpoint.LastWindow()
		var sum uint32
		for _, pair := range window {
			sum += uint32(pair[ch])
		}
		return sum / uint32(len(window)), nil
	}

	type reading struct {
		value uint32
		err   error
	}
	result := make(chan reading, 1)
	req := func() {
		v, err := c.engine.ReadInstant(sel, ch)
		result <- reading{v, err}
	}
	select {
	case c.requests <- req:
	default:
		return 0, fmt.Errorf("connection %d control queue full: %w", c.id, ErrWouldBlock)
	}
	select {
	case r := <-result:
		return r.value, r.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("connection %d read timed out: %w", c.id, ErrWouldBlock)
	}
}

// LastWindow exposes the endpoint's most recent sample pairs.
func (c *StreamConnection) LastWindow() [4][2]uint16 {
	return c.endpoint.LastWindow()
}

// SetRecorder attaches a raw-buffer recorder to the endpoint.
func (c *StreamConnection) SetRecorder(rec *Recorder) {
	c.endpoint.SetRecorder(rec)
}

// Destroy tears the connection down. It stops any running session first.
func (c *StreamConnection) Destroy() {
	c.Stop(DefaultApplyTimeout)
	close(c.abort)
	c.done.Wait()
	c.endpoint.Close()
	c.mu.Lock()
	c.state = ConnUndefined
	c.mu.Unlock()
}
