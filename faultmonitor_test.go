package epscope

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epscope/epscope/internal/hw"
)

// waitFor polls cond for up to a second before failing the test.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

type statusCapture struct {
	mu   sync.Mutex
	msgs []StatusMessage
}

func (sc *statusCapture) publish(msg StatusMessage) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.msgs = append(sc.msgs, msg)
}

func (sc *statusCapture) contains(text string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, m := range sc.msgs {
		if strings.Contains(string(m.Payload), text) {
			return true
		}
	}
	return false
}

func TestFaultMonitorLatchesAndPublishes(t *testing.T) {
	board := hw.NewSimBoard(FTimerInput)
	wave := NewWaveEngine(board.DAC, board.Load)
	capture := &statusCapture{}
	fm := NewFaultMonitor(board.UV, board.OV, board.OC, wave, capture.publish)
	fm.Start()
	defer fm.Stop()

	if fm.AnyActive() {
		t.Fatal("fresh monitor reports an active fault")
	}

	board.OVLine.Set(true)
	waitFor(t, func() bool { return fm.Active(FaultOV) }, "over-voltage never latched")
	if !fm.AnyActive() {
		t.Error("AnyActive false with over-voltage latched")
	}
	waitFor(t, func() bool { return capture.contains("ovoltage enabled") },
		"no ovoltage enabled status message")

	board.OVLine.Set(false)
	waitFor(t, func() bool { return !fm.Active(FaultOV) }, "over-voltage never cleared")
	waitFor(t, func() bool { return capture.contains("ovoltage disabled") },
		"no ovoltage disabled status message")

	// All published frames are Actions.
	capture.mu.Lock()
	defer capture.mu.Unlock()
	for _, m := range capture.msgs {
		if m.Kind != StatusAction {
			t.Errorf("fault message %q has kind %d, want Action", m.Payload, m.Kind)
		}
	}
}

func TestFaultStopsRunningWave(t *testing.T) {
	board := hw.NewSimBoard(FTimerInput)
	wave := NewWaveEngine(board.DAC, board.Load)
	capture := &statusCapture{}
	fm := NewFaultMonitor(board.UV, board.OV, board.OC, wave, capture.publish)
	wave.SetFaultChecker(fm)
	fm.Start()
	defer fm.Stop()

	wave.AddChunk("2000,0,5,0,1")
	wave.AddChunk("0,0,5,0,1")
	if err := wave.Start(); err != nil {
		t.Fatalf("wave Start returned %v", err)
	}

	board.OCLine.Set(true)
	waitFor(t, func() bool { return wave.State() == WaveInactive }, "fault did not stop the wave")
	if on, _ := board.Load.Get(); on {
		t.Error("load still enabled after fault stop")
	}
	if board.DAC.Value() != 0 {
		t.Errorf("DAC at %d after fault stop, want 0", board.DAC.Value())
	}

	// While the fault is latched a restart is refused; clearing it unblocks.
	if err := wave.Start(); err == nil {
		t.Error("wave restarted under a latched over-current fault")
		wave.Stop()
	}
	board.OCLine.Set(false)
	waitFor(t, func() bool { return !fm.AnyActive() }, "over-current never cleared")
	if err := wave.Start(); err != nil {
		t.Errorf("wave restart after fault cleared returned %v", err)
	}
	wave.Stop()
}

func TestFaultKindStrings(t *testing.T) {
	if FaultUV.String() != "uvoltage" || FaultOV.String() != "ovoltage" || FaultOC.String() != "ocurrent" {
		t.Errorf("fault kind strings: %v %v %v", FaultUV, FaultOV, FaultOC)
	}
}
