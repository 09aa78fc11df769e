package epscope

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epscope/epscope/internal/hw"
)

func TestDeviceMonitorUpdates(t *testing.T) {
	d, board := newTestDevice(t)

	d.Dispatch("device setname value=lab3")
	select {
	case u := <-d.Updates():
		assert.Equal(t, "STATUS", u.tag)
	case <-time.After(time.Second):
		t.Fatal("no STATUS update after setname")
	}

	board.UVLine.Set(true)
	waitForUpdate(t, d, "PROTECTION")
	board.UVLine.Set(false)
	waitForUpdate(t, d, "PROTECTION")
}

func waitForUpdate(t *testing.T, d *Device, tag string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case u := <-d.Updates():
			if u.tag == tag {
				return
			}
		case <-deadline:
			t.Fatalf("no %s update", tag)
		}
	}
}

func TestDeviceRecordVerbs(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()
	d, _ := newTestDevice(t)

	reply := d.Dispatch(fmt.Sprintf("device stream create ip=127.0.0.1 port=%d", port))
	require.True(t, strings.HasPrefix(reply, "OK "), reply)
	sid := strings.TrimPrefix(reply, "OK ")

	path := filepath.Join(t.TempDir(), "run.npy")
	reply = d.Dispatch(fmt.Sprintf("device record start sid=%s path=%s", sid, path))
	require.True(t, strings.HasPrefix(reply, "OK "), reply)
	session := strings.TrimPrefix(reply, "OK ")
	assert.Len(t, session, 26)

	// A second start on the same connection is refused.
	assert.Equal(t, "ERROR 3",
		d.Dispatch(fmt.Sprintf("device record start sid=%s path=%s", sid, path+"b")))

	assert.Equal(t, "OK", d.Dispatch(fmt.Sprintf("device record stop sid=%s", sid)))
	assert.Equal(t, "ERROR 3", d.Dispatch(fmt.Sprintf("device record stop sid=%s", sid)))
}

func TestShutdownClosesStatusLinks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	// No cleanup helper here: Shutdown runs once, inside the test.
	board := hw.NewSimBoard(FTimerInput)
	d := NewDevice(board.Board, DeviceConfig{PoolSlots: 4, SlotSampleWords: 1024})
	d.Start()

	port := ln.Addr().(*net.TCPAddr).Port
	reply := d.Dispatch(fmt.Sprintf("device slink create ip=127.0.0.1 port=%d", port))
	require.True(t, strings.HasPrefix(reply, "OK "), reply)
	require.Equal(t, "OK", d.Dispatch("device slink send value=ping"))

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("status link never connected")
	}
	defer conn.Close()

	frame := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{byte(StatusInfo)}, "ping"...), frame)

	// Shutdown closes the link, so the socket reaches EOF instead of
	// leaking its drain goroutine.
	d.Shutdown()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(frame); err != io.EOF {
		t.Errorf("read after Shutdown = %v, want io.EOF", err)
	}
}

func TestDestroyUnknownStream(t *testing.T) {
	d, _ := newTestDevice(t)
	err := d.destroyStream(42)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("destroyStream(42) = %v, want ErrInvalidArgument", err)
	}
}

func TestVerbsRegistered(t *testing.T) {
	d, _ := newTestDevice(t)
	verbs := d.Verbs()
	for _, want := range []string{
		"device hello", "device stream create", "device adc speriod set",
		"device wave start", "charger reg read", "device eplink create",
	} {
		found := false
		for _, v := range verbs {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("verb %q not registered", want)
		}
	}
}
