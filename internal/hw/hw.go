// Package hw holds the driver contracts for the instrument's analog front
// end and power path. The register-level drivers live behind these
// interfaces; the package also provides full-fidelity simulated drivers,
// which the daemon's -sim mode and the test suite run against.
package hw

import "io"

// ADCConfig carries the front-end settings a converter driver must program.
// Values are validated by the acquisition engine before they reach a driver;
// a driver may still refuse a combination it cannot realize.
type ADCConfig struct {
	Resolution     int     // bits: 10, 12, 14 or 16
	ClockDiv       int     // converter clock divider: 1..256, power of two
	SampleCycles   float64 // per-channel sampling time in converter cycles
	Oversampling   int     // ratio: 0 = off, otherwise power of two up to 1024
	TimerPrescaler uint32  // pacing timer prescaler
	TimerPeriod    uint32  // pacing timer period
	SamplesPerChan int     // samples per channel per transfer
}

// ADC models the timer+converter+DMA triple of one analog front end.
//
// Start begins alternate filling of the two target slices (the double-buffer
// slots). After each fill completes, the driver calls complete(half) from its
// transfer goroutine; complete must not block. The driver never touches a
// target between the complete call for that half and the next fill of it.
type ADC interface {
	Configure(cfg ADCConfig) error
	Start(targets [2][]uint16, complete func(half int)) error
	Stop() error

	// ConvertBlock runs a one-shot conversion burst of n samples on the
	// given channel (0 or 1), outside of streaming mode. It fails if the
	// converter is streaming.
	ConvertBlock(channel, n int) ([]uint16, error)
}

// Line is a single digital line the core can drive or sample.
type Line interface {
	Set(level bool) error
	Get() (bool, error)
}

// EdgeLine is a Line that also reports edge events. Each event carries the
// pin level read at event time. Drivers drop events when nobody drains the
// channel fast enough; edges are not buffered in hardware either.
type EdgeLine interface {
	Line
	Edges() <-chan bool
}

// Pulser is a one-shot trigger output, such as the capture latch line.
type Pulser interface {
	Trigger() error
}

// DAC drives the programmable current sink used by discharge profiles.
type DAC interface {
	SetEnabled(on bool) error
	Enabled() bool
	SetValue(v uint16) error
	Value() uint16
}

// Charger is the battery charger IC, reached over its register protocol.
type Charger interface {
	SetCharging(on bool) error
	Charging() (bool, error)
	SetChargeCurrent(mA uint16) error
	ChargeCurrent() (uint16, error)
	SetTermCurrent(mA uint16) error
	TermCurrent() (uint16, error)
	SetTermVoltage(mV uint16) error
	TermVoltage() (uint16, error)
	ReadRegister(reg uint8) (uint8, error)
}

// RGB is the status LED.
type RGB interface {
	SetColor(r, g, b uint8) error
}

// Board bundles every driver the acquisition core needs. A real build wires
// hardware drivers here; NewSimBoard wires the simulated set.
type Board struct {
	ADCInternal ADC
	ADCExternal ADC
	DAC         DAC
	Load        Line
	Battery     Line
	PowerPath   Line
	UV          EdgeLine
	OV          EdgeLine
	OC          EdgeLine
	EPSync      EdgeLine
	EPUart      io.ReadCloser
	Charger     Charger
	RGB         RGB
	Latch       Pulser
}
