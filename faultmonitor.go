package epscope

import (
	"fmt"
	"sync"

	"github.com/epscope/epscope/internal/hw"
)

// FaultKind identifies one protection source.
type FaultKind int

// The protection sources.
const (
	FaultUV FaultKind = iota // under-voltage
	FaultOV                  // over-voltage
	FaultOC                  // over-current
)

func (k FaultKind) String() string {
	switch k {
	case FaultUV:
		return "uvoltage"
	case FaultOV:
		return "ovoltage"
	case FaultOC:
		return "ocurrent"
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// FaultMonitor watches the three protection lines. An edge on any of them
// re-reads the pin level, updates the cached protection state, forces the
// wave engine into its safe state when a fault goes active, and publishes
// an Action status message. Protection state is never persisted: it is
// always derived from live pin levels.
type FaultMonitor struct {
	lines   [3]hw.EdgeLine
	wave    *WaveEngine
	publish func(StatusMessage)

	mu     sync.Mutex
	active [3]bool

	abort chan struct{}
	done  sync.WaitGroup
}

// NewFaultMonitor wires the monitor to the three protection lines, the wave
// engine it must safe-stop, and the status publish sink.
func NewFaultMonitor(uv, ov, oc hw.EdgeLine, wave *WaveEngine, publish func(StatusMessage)) *FaultMonitor {
	fm := &FaultMonitor{
		lines:   [3]hw.EdgeLine{uv, ov, oc},
		wave:    wave,
		publish: publish,
		abort:   make(chan struct{}),
	}
	return fm
}

// Start launches the monitor goroutine and samples the initial pin levels.
func (fm *FaultMonitor) Start() {
	for kind, line := range fm.lines {
		if level, err := line.Get(); err == nil {
			fm.mu.Lock()
			fm.active[kind] = level
			fm.mu.Unlock()
		}
	}
	fm.done.Add(1)
	go fm.run()
}

// Stop ends the monitor goroutine.
func (fm *FaultMonitor) Stop() {
	close(fm.abort)
	fm.done.Wait()
}

func (fm *FaultMonitor) run() {
	defer fm.done.Done()
	for {
		select {
		case <-fm.abort:
			return
		case <-fm.lines[FaultUV].Edges():
			fm.handleEdge(FaultUV)
		case <-fm.lines[FaultOV].Edges():
			fm.handleEdge(FaultOV)
		case <-fm.lines[FaultOC].Edges():
			fm.handleEdge(FaultOC)
		}
	}
}

// handleEdge translates the live pin level into the cached protection state
// and runs the fault consequences.
func (fm *FaultMonitor) handleEdge(kind FaultKind) {
	level, err := fm.lines[kind].Get()
	if err != nil {
		ProblemLogger.Printf("fault monitor cannot read %v pin: %v", kind, err)
		return
	}
	fm.mu.Lock()
	fm.active[kind] = level
	fm.mu.Unlock()

	if level {
		fm.wave.SafeStop()
	}

	state := "disabled"
	if level {
		state = "enabled"
	}
	fm.publish(StatusMessage{
		Kind:    StatusAction,
		Payload: []byte(fmt.Sprintf("%v %s", kind, state)),
	})
	UpdateLogger.Printf("protection %v %s", kind, state)
}

// Active reports the cached state of one protection source.
func (fm *FaultMonitor) Active(kind FaultKind) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.active[kind]
}

// AnyActive reports whether any protection source is latched active.
func (fm *FaultMonitor) AnyActive() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.active[0] || fm.active[1] || fm.active[2]
}
