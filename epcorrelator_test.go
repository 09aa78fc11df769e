package epscope

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/epscope/epscope/internal/hw"
)

// acceptOne returns a TCP listener and a channel that yields the first
// accepted connection.
func acceptOne(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}
	conns := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			conns <- c
		}
	}()
	return ln, conns
}

func startCorrelator(t *testing.T) (*EPCorrelator, *hw.SimBoard) {
	t.Helper()
	board := hw.NewSimBoard(FTimerInput)
	pool := NewBufferPool(4, 256)
	engine := NewAcquisitionEngine(pool, board.ADCInternal, board.ADCExternal)
	ec := NewEPCorrelator(engine, board.EPUart, board.EPSync)
	ec.Start()
	t.Cleanup(func() {
		board.Uart.Close()
		ec.Stop()
	})
	return ec, board
}

func TestCorrelatorPairsPulseWithLabel(t *testing.T) {
	ec, board := startCorrelator(t)

	ln, conns := acceptOne(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := ec.AddClient("127.0.0.1", port); err != nil {
		t.Fatalf("AddClient returned %v", err)
	}
	var host net.Conn
	select {
	case host = <-conns:
	case <-time.After(time.Second):
		t.Fatal("EP client never connected")
	}
	defer host.Close()

	// A sync pulse latches the stream position, then the label arrives.
	board.SyncLine.Set(true)
	board.SyncLine.Set(false)
	time.Sleep(10 * time.Millisecond)
	if _, err := board.Uart.WriteString("EP_START\r"); err != nil {
		t.Fatalf("UART write failed: %v", err)
	}

	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := make([]byte, 4+len("EP_START\r"))
	if _, err := io.ReadFull(host, frame); err != nil {
		t.Fatalf("EP frame not delivered: %v", err)
	}
	if seq := binary.LittleEndian.Uint32(frame[:4]); seq != 0 {
		t.Errorf("EP frame sequence = %d, want 0 (engine idle)", seq)
	}
	if got := string(frame[4:]); got != "EP_START\r" {
		t.Errorf("EP frame label = %q, want %q with terminator", got, "EP_START\r")
	}
}

func TestCorrelatorDropsUnmatchedLabel(t *testing.T) {
	ec, board := startCorrelator(t)

	ln, conns := acceptOne(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := ec.AddClient("127.0.0.1", port); err != nil {
		t.Fatalf("AddClient returned %v", err)
	}
	host := <-conns
	defer host.Close()

	// A label with no pending sync pulse must not reach the client.
	board.Uart.WriteString("ORPHAN\r")
	host.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := host.Read(buf); err == nil {
		t.Errorf("unmatched label delivered %d bytes: %q", n, buf[:n])
	}

	// A pulse+label pair afterwards still works.
	board.SyncLine.Set(true)
	board.SyncLine.Set(false)
	time.Sleep(10 * time.Millisecond)
	board.Uart.WriteString("OK1\r")
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := make([]byte, 4+len("OK1\r"))
	if _, err := io.ReadFull(host, frame); err != nil {
		t.Fatalf("frame after orphan not delivered: %v", err)
	}
	if got := string(frame[4:]); got != "OK1\r" {
		t.Errorf("label = %q, want OK1 with terminator", got)
	}
}

func TestCorrelatorDiscardsOversizedLabel(t *testing.T) {
	ec, board := startCorrelator(t)

	ln, conns := acceptOne(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	ec.AddClient("127.0.0.1", port)
	host := <-conns
	defer host.Close()

	// NameMax bytes without a terminator are silently discarded, and do not
	// poison the next label.
	big := make([]byte, NameMax)
	for i := range big {
		big[i] = 'A'
	}
	board.SyncLine.Set(true)
	board.SyncLine.Set(false)
	time.Sleep(10 * time.Millisecond)
	board.Uart.WriteString(string(big))
	board.Uart.WriteString("SHORT\r")

	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := make([]byte, 4+len("SHORT\r"))
	if _, err := io.ReadFull(host, frame); err != nil {
		t.Fatalf("label after oversized run not delivered: %v", err)
	}
	if got := string(frame[4:]); got != "SHORT\r" {
		t.Errorf("label = %q, want SHORT with terminator", got)
	}
}
