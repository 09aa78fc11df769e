package epscope

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/epscope/epscope/internal/hw"
)

// fastConfig paces one transfer roughly every 50 µs so tests finish quickly.
func fastConfig(samplesPerChan int) AcquisitionConfig {
	cfg := DefaultAcquisitionConfig()
	cfg.TimerPrescaler = 0
	cfg.TimerPeriod = 999 // 5 µs/sample at 200 MHz
	cfg.SamplesPerChan = samplesPerChan
	return cfg
}

func TestConfigValidation(t *testing.T) {
	pool := NewBufferPool(4, 256)
	good := fastConfig(10)
	if err := good.Validate(pool); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*AcquisitionConfig)
	}{
		{"resolution", func(c *AcquisitionConfig) { c.Resolution = 13 }},
		{"clockdiv", func(c *AcquisitionConfig) { c.ClockDiv = 3 }},
		{"samplecycles", func(c *AcquisitionConfig) { c.SampleCycles[1] = 3.5 }},
		{"oversampling", func(c *AcquisitionConfig) { c.Oversampling = 7 }},
		{"timer too fast", func(c *AcquisitionConfig) { c.TimerPrescaler = 0; c.TimerPeriod = 100 }},
		{"samples zero", func(c *AcquisitionConfig) { c.SamplesPerChan = 0 }},
		{"samples oversized", func(c *AcquisitionConfig) { c.SamplesPerChan = 129 }},
	}
	for _, tc := range cases {
		cfg := good
		tc.mutate(&cfg)
		err := cfg.Validate(pool)
		if err == nil {
			t.Errorf("%s: invalid config accepted", tc.name)
			continue
		}
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: error = %v, want ErrInvalidArgument", tc.name, err)
		}
	}
}

func TestValidTimer(t *testing.T) {
	if ValidTimer(0, 199) {
		t.Error("ValidTimer(0, 199) accepted a sub-microsecond pace")
	}
	if !ValidTimer(0, 200) {
		t.Error("ValidTimer(0, 200) rejected a 1 µs pace")
	}
	if !ValidTimer(199, 0) {
		t.Error("ValidTimer(199, 0) rejected a 1 µs pace")
	}
}

func TestEngineStreaming(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	if err := engine.Configure(fastConfig(10)); err != nil {
		t.Fatalf("Configure returned %v", err)
	}

	var mu sync.Mutex
	var seqs []uint32
	engine.SetSink(func(d BufferReady) {
		slot := pool.Slot(d.Index)
		if slot[2] != StreamMagic {
			t.Errorf("header word 2 = %#04x, want %#04x", slot[2], StreamMagic)
		}
		if got := uint32(slot[0]) | uint32(slot[1])<<16; got != d.Seq {
			t.Errorf("header sequence %d does not match descriptor %d", got, d.Seq)
		}
		if want := 2 * (HeaderWords + 20); d.Size != want {
			t.Errorf("descriptor size %d, want %d", d.Size, want)
		}
		mu.Lock()
		seqs = append(seqs, d.Seq)
		mu.Unlock()
		pool.Release(d.Index)
	})

	if err := engine.Start(ADCInternal); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if !engine.Running() {
		t.Error("engine not Running after Start")
	}
	time.Sleep(20 * time.Millisecond)
	if err := engine.Stop(); err != nil {
		t.Errorf("Stop returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) < 10 {
		t.Fatalf("received %d buffers in 20 ms, want at least 10", len(seqs))
	}
	for i, s := range seqs {
		if s != uint32(i) {
			t.Fatalf("sequence %d at position %d, want a gapless count from 0", s, i)
		}
	}
	for i := 0; i < 4; i++ {
		if !pool.IsFree(i) {
			t.Errorf("pool slot %d is %v after Stop, want Free", i, pool.State(i))
		}
	}
}

func TestSinkSeesFullSlot(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	engine.Configure(fastConfig(10))

	// The slot must already read Full when the sink runs, so a synchronous
	// Release cannot race the completion path's own state store.
	var mu sync.Mutex
	var wrongStates int
	var count int
	engine.SetSink(func(d BufferReady) {
		if pool.State(d.Index) != BufferFull {
			mu.Lock()
			wrongStates++
			mu.Unlock()
		}
		mu.Lock()
		count++
		mu.Unlock()
		pool.Release(d.Index)
	})
	engine.SetOnOverrun(func() { t.Error("overrun although every slot was released in the sink") })

	if err := engine.Start(ADCInternal); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if wrongStates > 0 {
		t.Errorf("%d of %d buffers were not Full when the sink saw them", wrongStates, count)
	}
	if count < 10 {
		t.Errorf("received %d buffers in 20 ms, want at least 10", count)
	}
}

func TestStartReleasesSlotsOnRefusal(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	engine.Configure(fastConfig(10))
	engine.SetSink(func(d BufferReady) { pool.Release(d.Index) })

	// The consumer still owns the second double-buffer slot from a prior
	// session. Start must fail without leaking the first slot.
	if err := pool.MarkFilling(3); err != nil {
		t.Fatal(err)
	}
	pool.MarkFullFromISR(3)
	if err := engine.Start(ADCInternal); !errors.Is(err, ErrOverrun) {
		t.Fatalf("Start with an occupied slot = %v, want ErrOverrun", err)
	}
	if !pool.IsFree(0) {
		t.Errorf("slot 0 is %v after a refused Start, want Free", pool.State(0))
	}

	pool.Release(3)
	if err := engine.Start(ADCInternal); err != nil {
		t.Fatalf("Start after release failed: %v", err)
	}
	if err := engine.Stop(); err != nil {
		t.Errorf("Stop returned %v", err)
	}
}

func TestEngineOverrunSelfStop(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	if err := engine.Configure(fastConfig(10)); err != nil {
		t.Fatalf("Configure returned %v", err)
	}

	// A sink that never releases its slot starves the double buffer.
	engine.SetSink(func(d BufferReady) {})
	overrun := make(chan struct{})
	var once sync.Once
	engine.SetOnOverrun(func() { once.Do(func() { close(overrun) }) })

	if err := engine.Start(ADCInternal); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	select {
	case <-overrun:
	case <-time.After(time.Second):
		t.Fatal("no overrun callback within 1 s")
	}
	if engine.Running() {
		t.Error("engine still Running after overrun self-stop")
	}
	if err := engine.Stop(); err == nil {
		t.Error("Stop after self-stop succeeded, want wrong-state failure")
	}
}

func TestEngineWrongStates(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)

	if err := engine.Stop(); !errors.Is(err, ErrWrongState) {
		t.Errorf("Stop on an inactive engine = %v, want ErrWrongState", err)
	}
	if err := engine.Start(ADCInternal); !errors.Is(err, ErrWrongState) {
		t.Errorf("Start without a sink = %v, want ErrWrongState", err)
	}

	engine.SetSink(func(d BufferReady) { pool.Release(d.Index) })
	engine.Configure(fastConfig(10))
	if err := engine.Start(ADCInternal); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	defer engine.Stop()
	if err := engine.Configure(fastConfig(20)); !errors.Is(err, ErrWrongState) {
		t.Errorf("Configure on an active engine = %v, want ErrWrongState", err)
	}
	if err := engine.Start(ADCExternal); !errors.Is(err, ErrWrongState) {
		t.Errorf("second Start = %v, want ErrWrongState", err)
	}
	if _, err := engine.ReadInstant(ADCInternal, 0); !errors.Is(err, ErrWrongState) {
		t.Errorf("ReadInstant while active = %v, want ErrWrongState", err)
	}
}

func TestReadInstant(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	engine.Configure(fastConfig(10))

	// The simulated converter alternates level and level+2, so the mean of
	// an even-length burst is level+1.
	v, err := engine.ReadInstant(ADCInternal, 0)
	if err != nil {
		t.Fatalf("ReadInstant(ch 0) returned %v", err)
	}
	if v != 1001 {
		t.Errorf("ReadInstant(ch 0) = %d, want 1001", v)
	}
	v, err = engine.ReadInstant(ADCInternal, 1)
	if err != nil {
		t.Fatalf("ReadInstant(ch 1) returned %v", err)
	}
	if v != 2001 {
		t.Errorf("ReadInstant(ch 1) = %d, want 2001", v)
	}
	if _, err := engine.ReadInstant(ADCInternal, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ReadInstant(ch 2) = %v, want ErrInvalidArgument", err)
	}
}

func TestRequestEventCaptureFlagsOneBuffer(t *testing.T) {
	pool := NewBufferPool(4, 256)
	board := hw.NewSimBoard(FTimerInput)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	engine.Configure(fastConfig(10))

	var mu sync.Mutex
	var flagged []uint32
	engine.SetSink(func(d BufferReady) {
		if d.EventFlag != 0 {
			mu.Lock()
			flagged = append(flagged, d.Seq)
			mu.Unlock()
		}
		pool.Release(d.Index)
	})
	if err := engine.Start(ADCInternal); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	engine.RequestEventCapture()
	time.Sleep(10 * time.Millisecond)
	engine.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(flagged) != 1 {
		t.Errorf("%d buffers carried the event flag, want exactly 1 (seqs %v)", len(flagged), flagged)
	}
}
