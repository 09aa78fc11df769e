package epscope

import (
	"net"
	"testing"
	"time"
)

// listenUDP returns a localhost UDP listener and its port.
func listenUDP(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("cannot listen on UDP: %v", err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func TestEndpointTransmitsOneDatagramPerBuffer(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	pool := NewBufferPool(4, 64)
	ep, err := NewStreamEndpoint(pool, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("NewStreamEndpoint returned %v", err)
	}
	defer ep.Close()
	ep.Start()

	// Hand-build one completed buffer: header plus 8 samples per channel.
	const n = 8
	pool.MarkFilling(0)
	slot := pool.Slot(0)
	slot[0], slot[1], slot[2], slot[3] = 7, 0, StreamMagic, 1
	for i := 0; i < n; i++ {
		slot[HeaderWords+i] = uint16(100 + i)
		slot[HeaderWords+n+i] = uint16(200 + i)
	}
	pool.MarkFullFromISR(0)
	ep.EnqueueFromISR(BufferReady{Index: 0, Seq: 7, EventFlag: 1, Size: 2 * (HeaderWords + 2*n)})

	recv.SetReadDeadline(time.Now().Add(time.Second))
	dgram := make([]byte, 2048)
	nb, _, err := recv.ReadFromUDP(dgram)
	if err != nil {
		t.Fatalf("no datagram received: %v", err)
	}
	if nb != 2*(HeaderWords+2*n) {
		t.Fatalf("datagram is %d bytes, want %d", nb, 2*(HeaderWords+2*n))
	}
	// Header words are little-endian uint16.
	word := func(i int) uint16 { return uint16(dgram[2*i]) | uint16(dgram[2*i+1])<<8 }
	if word(0) != 7 || word(1) != 0 {
		t.Errorf("sequence words = %d, %d, want 7, 0", word(0), word(1))
	}
	if word(2) != StreamMagic {
		t.Errorf("magic word = %#04x, want %#04x", word(2), StreamMagic)
	}
	if word(3) != 1 {
		t.Errorf("event flag word = %d, want 1", word(3))
	}
	if word(HeaderWords) != 100 || word(HeaderWords+n) != 200 {
		t.Errorf("first samples = %d, %d, want 100, 200", word(HeaderWords), word(HeaderWords+n))
	}

	deadline := time.Now().Add(time.Second)
	for !pool.IsFree(0) {
		if time.Now().After(deadline) {
			t.Fatal("slot 0 not released after transmit")
		}
		time.Sleep(time.Millisecond)
	}

	window := ep.LastWindow()
	if window[3][0] != 107 || window[3][1] != 207 {
		t.Errorf("last window tail = %v, want {107 207}", window[3])
	}
}

func TestEndpointDropsWhenQueueFull(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	pool := NewBufferPool(2, 16)
	ep, err := NewStreamEndpoint(pool, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("NewStreamEndpoint returned %v", err)
	}
	defer ep.Close()
	// No Start: nothing drains the queue, which holds one descriptor per slot.
	for i := 0; i < 5; i++ {
		ep.EnqueueFromISR(BufferReady{Index: 0, Size: 8})
	}
	if got := ep.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}
