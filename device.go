package epscope

import (
	"fmt"
	"sync"

	"github.com/epscope/epscope/internal/activitydb"
	"github.com/epscope/epscope/internal/hw"
)

// DeviceConfig sizes a Device. Zero values fall back to the build defaults.
type DeviceConfig struct {
	Name            string
	PoolSlots       int
	SlotSampleWords int
}

// Device is the instrument core: it owns the buffer pool, the singleton
// acquisition and wave engines, the protection monitor, the energy-point
// correlator, all host-facing links and the per-connection stream state.
// Command handlers are methods on Device; the ControlChannel dispatches
// into them.
type Device struct {
	board  *hw.Board
	pool   *BufferPool
	engine *AcquisitionEngine
	wave   *WaveEngine
	faults *FaultMonitor
	ep     *EPCorrelator

	mu        sync.Mutex // guards name, conns, slinks, recorders
	name      string
	conns     map[int]*StreamConnection
	nextSID   int
	slinks    []*StatusLink
	recorders map[int]*Recorder

	handlers map[string]commandFunc
	updates  chan ClientUpdate
	activity *activitydb.Logger
}

// NewDevice assembles a Device over the given board.
func NewDevice(board *hw.Board, cfg DeviceConfig) *Device {
	if cfg.Name == "" {
		cfg.Name = "EPSCOPE"
	}
	if cfg.PoolSlots == 0 {
		cfg.PoolSlots = PoolSlots
	}
	if cfg.SlotSampleWords == 0 {
		cfg.SlotSampleWords = SlotSampleMax
	}

	d := &Device{
		board:     board,
		name:      cfg.Name,
		pool:      NewBufferPool(cfg.PoolSlots, cfg.SlotSampleWords),
		conns:     make(map[int]*StreamConnection),
		recorders: make(map[int]*Recorder),
		updates:   make(chan ClientUpdate, 100),
		activity:  activitydb.Disabled(),
	}
	d.engine = NewAcquisitionEngine(d.pool, board.ADCInternal, board.ADCExternal)
	d.wave = NewWaveEngine(board.DAC, board.Load)
	d.faults = NewFaultMonitor(board.UV, board.OV, board.OC, d.wave, d.publishStatus)
	d.wave.SetFaultChecker(d.faults)
	d.ep = NewEPCorrelator(d.engine, board.EPUart, board.EPSync)
	d.registerHandlers()
	return d
}

// SetActivityLogger replaces the (default no-op) activity database sink.
func (d *Device) SetActivityLogger(l *activitydb.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activity = l
}

// Start launches the protection monitor and the energy-point correlator.
func (d *Device) Start() {
	d.faults.Start()
	d.ep.Start()
}

// Shutdown stops everything in consumer-first order.
func (d *Device) Shutdown() {
	d.mu.Lock()
	conns := make([]*StreamConnection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.conns = make(map[int]*StreamConnection)
	slinks := d.slinks
	d.slinks = nil
	recorders := d.recorders
	d.recorders = make(map[int]*Recorder)
	d.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
	for _, rec := range recorders {
		rec.Close()
	}
	for _, sl := range slinks {
		sl.Close()
	}
	d.wave.Stop()
	d.faults.Stop()
	d.board.EPUart.Close() // unblocks the correlator's UART reader
	d.ep.Stop()
	d.activity.Close()
}

// Name returns the host-visible device name.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Updates returns the channel the monitor publisher drains.
func (d *Device) Updates() <-chan ClientUpdate {
	return d.updates
}

// publishStatus fans a status message out to every status link, mirrors it
// on the monitor socket and records it in the activity database.
func (d *Device) publishStatus(msg StatusMessage) {
	d.mu.Lock()
	slinks := d.slinks
	d.mu.Unlock()
	for _, sl := range slinks {
		sl.Publish(msg)
	}
	d.publishUpdate("PROTECTION", struct{ Message string }{string(msg.Payload)})
	d.activity.LogEvent("protection", string(msg.Payload))
}

// publishUpdate posts a monitor frame without ever blocking a caller.
func (d *Device) publishUpdate(tag string, state interface{}) {
	select {
	case d.updates <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// connByID resolves a stream id from the command channel.
func (d *Device) connByID(sid int) (*StreamConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[sid]
	if !ok {
		return nil, fmt.Errorf("no stream connection %d: %w", sid, ErrInvalidArgument)
	}
	return c, nil
}

// createStream builds a StreamConnection toward ip:port and registers it.
func (d *Device) createStream(ip string, port int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) >= ConnectionsMax {
		return 0, fmt.Errorf("connection limit %d reached: %w", ConnectionsMax, ErrWrongState)
	}
	sid := d.nextSID
	c, err := NewStreamConnection(sid, d.engine, d.pool, ip, port)
	if err != nil {
		return 0, err
	}
	d.conns[sid] = c
	d.nextSID++
	UpdateLogger.Printf("stream connection %d created toward %s:%d", sid, ip, port)
	return sid, nil
}

// destroyStream tears a connection down and forgets its id.
func (d *Device) destroyStream(sid int) error {
	d.mu.Lock()
	c, ok := d.conns[sid]
	if ok {
		delete(d.conns, sid)
	}
	rec := d.recorders[sid]
	delete(d.recorders, sid)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no stream connection %d: %w", sid, ErrInvalidArgument)
	}
	if rec != nil {
		rec.Close()
	}
	c.Destroy()
	UpdateLogger.Printf("stream connection %d destroyed", sid)
	return nil
}
