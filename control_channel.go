package epscope

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// ControlChannel is the line-oriented TCP command server. It serves one
// client at a time: a newly accepted connection replaces the previous one,
// which is closed. Commands on a connection are answered strictly in order,
// one "OK ..." or "ERROR n" line per command line.
type ControlChannel struct {
	device   *Device
	listener net.Listener

	mu      sync.Mutex
	current net.Conn

	abort chan struct{}
	done  sync.WaitGroup
}

// readIdleTimeout paces the command reader so a dead listener can be
// noticed; it is not a client timeout. Idle clients stay connected.
const readIdleTimeout = 2 * time.Second

// NewControlChannel binds the command server on the given TCP port.
func NewControlChannel(device *Device, port int) (*ControlChannel, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("cannot bind control channel on port %d: %v", port, err)
	}
	cc := &ControlChannel{
		device:   device,
		listener: listener,
		abort:    make(chan struct{}),
	}
	cc.done.Add(1)
	go cc.acceptLoop()
	UpdateLogger.Printf("control channel listening on port %d", port)
	return cc, nil
}

// Addr returns the listener's address, useful when port 0 was requested.
func (cc *ControlChannel) Addr() net.Addr {
	return cc.listener.Addr()
}

// Close stops accepting and closes any live client connection.
func (cc *ControlChannel) Close() {
	close(cc.abort)
	cc.listener.Close()
	cc.mu.Lock()
	if cc.current != nil {
		cc.current.Close()
	}
	cc.mu.Unlock()
	cc.done.Wait()
}

func (cc *ControlChannel) acceptLoop() {
	defer cc.done.Done()
	for {
		conn, err := cc.listener.Accept()
		if err != nil {
			select {
			case <-cc.abort:
				return
			default:
				ProblemLogger.Printf("control channel accept failed: %v", err)
				continue
			}
		}
		cc.replaceClient(conn)
		cc.done.Add(1)
		go cc.serve(conn)
	}
}

// replaceClient installs conn as the one live client, evicting the previous
// connection if any.
func (cc *ControlChannel) replaceClient(conn net.Conn) {
	cc.mu.Lock()
	prev := cc.current
	cc.current = conn
	cc.mu.Unlock()
	if prev != nil {
		UpdateLogger.Printf("control client %v evicted by %v", prev.RemoteAddr(), conn.RemoteAddr())
		prev.Close()
	} else {
		UpdateLogger.Printf("control client %v connected", conn.RemoteAddr())
	}
}

// serve reads command lines and writes replies until the client disconnects
// or is evicted. Lines longer than LineMax are answered with a parse error
// and the excess is discarded.
func (cc *ControlChannel) serve(conn net.Conn) {
	defer cc.done.Done()
	defer func() {
		cc.mu.Lock()
		if cc.current == conn {
			cc.current = nil
		}
		cc.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReaderSize(conn, LineMax)
	pending := make([]byte, 0, LineMax)
	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		chunk, err := reader.ReadSlice('\n')
		pending = append(pending, chunk...)

		complete := err == nil
		if !complete {
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				// Keep accumulating; the line-length check below rejects
				// oversized lines once the terminator arrives.
				continue
			case isTimeout(err):
				select {
				case <-cc.abort:
					return
				default:
					continue // retain any partial line already read
				}
			case errors.Is(err, io.EOF) && len(pending) > 0:
				complete = true // a partial final line still dispatches
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					ProblemLogger.Printf("control client %v read failed: %v", conn.RemoteAddr(), err)
				}
				return
			}
		}
		if !complete {
			return
		}

		line := strings.TrimRight(string(pending), "\r\n")
		overlong := len(pending) > LineMax
		pending = pending[:0]

		var reply string
		switch {
		case overlong:
			ProblemLogger.Printf("control client %v sent a line over %d bytes", conn.RemoteAddr(), LineMax)
			reply = fmt.Sprintf("ERROR %d", CodeParse)
		case strings.TrimSpace(line) == "":
			continue
		default:
			reply = cc.device.Dispatch(line)
		}
		if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
			ProblemLogger.Printf("control client %v write failed: %v", conn.RemoteAddr(), err)
			return
		}
		if errors.Is(err, io.EOF) {
			return
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
