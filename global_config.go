package epscope

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by EPSCOPE.
type Portnumbers struct {
	Control int // line-oriented command channel (TCP server)
	Monitor int // ZMQ PUB socket for JSON state frames
}

// Ports globally holds all TCP port numbers used by EPSCOPE.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Control = base
	Ports.Monitor = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.3",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// Instrument-wide limits. These mirror the sizing of the analog front end:
// a pool slot carries a 4-word header plus two channels of samples.
const (
	ConnectionsMax = 4    // simultaneous stream connections
	NameMax        = 64   // longest EP label, terminator included
	LineMax        = 512  // longest accepted command line
	WaveChunkMax   = 64   // wave program capacity
	PoolSlots      = 8    // sample buffers per pool
	HeaderWords    = 4    // 16-bit words reserved at the head of each slot
	SlotSampleMax  = 8192 // sample words per slot, both channels combined
	FTimerInput    = 200e6
)

// StreamMagic marks every sample datagram at header word 2.
const StreamMagic uint16 = 0x5AFE

// EpscopeStartTime is a global holding the time init() was run
var EpscopeStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5590)
	EpscopeStartTime = time.Now()

	// The epscoped main program will override these, but at least initialize
	// them with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
