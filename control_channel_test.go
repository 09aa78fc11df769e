package epscope

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func dialControl(t *testing.T, cc *ControlChannel) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", cc.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("cannot dial control channel: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		t.Fatalf("write %q failed: %v", line, err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("no reply to %q: %v", line, err)
	}
	if !strings.HasSuffix(reply, "\r\n") {
		t.Errorf("reply %q does not end in CRLF", reply)
	}
	return strings.TrimRight(reply, "\r\n")
}

func TestControlChannelRoundTrips(t *testing.T) {
	d, _ := newTestDevice(t)
	cc, err := NewControlChannel(d, 0)
	if err != nil {
		t.Fatalf("NewControlChannel returned %v", err)
	}
	defer cc.Close()

	conn, r := dialControl(t, cc)
	defer conn.Close()

	if got := roundTrip(t, conn, r, "device hello"); got != "OK EPSCOPE" {
		t.Errorf("device hello replied %q", got)
	}
	if got := roundTrip(t, conn, r, "device setname value=bench2"); got != "OK" {
		t.Errorf("device setname replied %q", got)
	}
	if got := roundTrip(t, conn, r, "device hello"); got != "OK bench2" {
		t.Errorf("device hello after setname replied %q", got)
	}
	if got := roundTrip(t, conn, r, "no such verb"); got != "ERROR 1" {
		t.Errorf("unknown verb replied %q", got)
	}

	// Replies arrive strictly in command order.
	fmt.Fprintf(conn, "device dac value set value=11\r\ndevice dac value get\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	first, _ := r.ReadString('\n')
	second, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("pipelined replies missing: %v", err)
	}
	if strings.TrimRight(first, "\r\n") != "OK" || strings.TrimRight(second, "\r\n") != "OK 11" {
		t.Errorf("pipelined replies = %q, %q, want OK and OK 11", first, second)
	}
}

func TestControlChannelLineTooLong(t *testing.T) {
	d, _ := newTestDevice(t)
	cc, err := NewControlChannel(d, 0)
	if err != nil {
		t.Fatalf("NewControlChannel returned %v", err)
	}
	defer cc.Close()

	conn, r := dialControl(t, cc)
	defer conn.Close()

	long := "device setname value=" + strings.Repeat("x", LineMax)
	if got := roundTrip(t, conn, r, long); got != fmt.Sprintf("ERROR %d", CodeParse) {
		t.Errorf("overlong line replied %q", got)
	}
	// The channel survives and keeps serving.
	if got := roundTrip(t, conn, r, "device hello"); got != "OK EPSCOPE" {
		t.Errorf("command after overlong line replied %q", got)
	}
}

func TestControlChannelSingleClient(t *testing.T) {
	d, _ := newTestDevice(t)
	cc, err := NewControlChannel(d, 0)
	if err != nil {
		t.Fatalf("NewControlChannel returned %v", err)
	}
	defer cc.Close()

	first, r1 := dialControl(t, cc)
	defer first.Close()
	if got := roundTrip(t, first, r1, "device hello"); got != "OK EPSCOPE" {
		t.Fatalf("first client got %q", got)
	}

	second, r2 := dialControl(t, cc)
	defer second.Close()
	if got := roundTrip(t, second, r2, "device hello"); got != "OK EPSCOPE" {
		t.Fatalf("second client got %q", got)
	}

	// The first client was evicted: its connection reads EOF.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r1.ReadString('\n'); err == nil {
		t.Error("evicted client still received data")
	}
}

func TestControlChannelReconnect(t *testing.T) {
	d, _ := newTestDevice(t)
	cc, err := NewControlChannel(d, 0)
	if err != nil {
		t.Fatalf("NewControlChannel returned %v", err)
	}
	defer cc.Close()

	for i := 0; i < 3; i++ {
		conn, r := dialControl(t, cc)
		if got := roundTrip(t, conn, r, "device hello"); got != "OK EPSCOPE" {
			t.Fatalf("round %d: got %q", i, got)
		}
		conn.Close()
	}
}
