package epscope

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/epscope/epscope/internal/getbytes"
	"github.com/epscope/epscope/internal/hw"
)

// EPEvent is one correlated energy point: the stream sequence captured at
// the synchronization edge, paired with the label line delivered over the
// debug UART. The label keeps its terminating byte.
type EPEvent struct {
	Seq   uint32
	Label []byte
}

// EPClient is one TCP subscriber to correlated energy points. Events are
// delivered in enqueue order; a send failure is logged and the client keeps
// going.
type EPClient struct {
	id    int
	conn  net.Conn
	queue chan EPEvent
	abort chan struct{}
}

const epClientQueueDepth = 32

// NewEPClient dials the host's EP receiver and starts its sender goroutine.
func NewEPClient(id int, ip string, port int) (*EPClient, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ep client %d cannot connect: %w (%v)", id, ErrLinkDown, err)
	}
	c := &EPClient{
		id:    id,
		conn:  conn,
		queue: make(chan EPEvent, epClientQueueDepth),
		abort: make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// ID returns the connection identifier handed to the host.
func (c *EPClient) ID() int { return c.id }

// Enqueue queues one event without blocking; a full queue drops it.
func (c *EPClient) Enqueue(ev EPEvent) {
	select {
	case c.queue <- ev:
	default:
		ProblemLogger.Printf("ep client %d queue full, event seq %d dropped", c.id, ev.Seq)
	}
}

// run frames each event as sequence (4 bytes little-endian) followed by the
// label bytes, terminator included.
func (c *EPClient) run() {
	for {
		select {
		case <-c.abort:
			return
		case ev := <-c.queue:
			frame := append(getbytes.FromUint32(ev.Seq), ev.Label...)
			if _, err := c.conn.Write(frame); err != nil {
				ProblemLogger.Printf("ep client %d send failed for seq %d: %v", c.id, ev.Seq, err)
			}
		}
	}
}

// Close stops the sender and closes the socket.
func (c *EPClient) Close() {
	close(c.abort)
	c.conn.Close()
}

// EPCorrelator pairs label lines arriving on the debug UART with stream
// positions captured on the synchronization edge, and fans matched pairs
// out to every registered EP client. Labels block the correlator; sequences
// are polled with zero timeout, so a label without a pulse (or a pulse
// without a label) is dropped with a mismatch warning.
type EPCorrelator struct {
	engine *AcquisitionEngine
	uart   io.Reader
	sync   hw.EdgeLine

	labels chan []byte
	seqs   chan uint32

	mu      sync.Mutex
	clients []*EPClient

	abort chan struct{}
	done  sync.WaitGroup
}

const epPendingDepth = 16

// NewEPCorrelator wires the correlator to the engine's capture latch, the
// label UART and the synchronization line.
func NewEPCorrelator(engine *AcquisitionEngine, uart io.Reader, syncLine hw.EdgeLine) *EPCorrelator {
	return &EPCorrelator{
		engine: engine,
		uart:   uart,
		sync:   syncLine,
		labels: make(chan []byte, epPendingDepth),
		seqs:   make(chan uint32, epPendingDepth),
		abort:  make(chan struct{}),
	}
}

// Start launches the two ingest goroutines and the correlation goroutine.
func (ec *EPCorrelator) Start() {
	ec.done.Add(3)
	go ec.uartLoop()
	go ec.edgeLoop()
	go ec.correlate()
}

// Stop ends the correlator and closes all clients. The caller must close
// the UART first so the ingest goroutine's blocking read returns.
func (ec *EPCorrelator) Stop() {
	close(ec.abort)
	ec.done.Wait()
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, c := range ec.clients {
		c.Close()
	}
	ec.clients = nil
}

// AddClient registers a new EP subscriber and returns its connection id.
func (ec *EPCorrelator) AddClient(ip string, port int) (int, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	client, err := NewEPClient(len(ec.clients), ip, port)
	if err != nil {
		return 0, err
	}
	ec.clients = append(ec.clients, client)
	return client.ID(), nil
}

// uartLoop accumulates UART bytes into a scratch label until the '\r'
// terminator. A label that reaches NameMax without a terminator is
// silently discarded.
func (ec *EPCorrelator) uartLoop() {
	defer ec.done.Done()
	br := bufio.NewReader(ec.uart)
	scratch := make([]byte, 0, NameMax)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		scratch = append(scratch, b)
		if b == '\r' {
			label := make([]byte, len(scratch))
			copy(label, scratch)
			scratch = scratch[:0]
			select {
			case ec.labels <- label:
			default:
				ProblemLogger.Printf("ep label FIFO full, label %q dropped", label)
			}
		} else if len(scratch) >= NameMax {
			scratch = scratch[:0]
		}
	}
}

// edgeLoop latches a capture request on each rising synchronization edge
// and queues the returned stream sequence.
func (ec *EPCorrelator) edgeLoop() {
	defer ec.done.Done()
	for {
		select {
		case <-ec.abort:
			return
		case level := <-ec.sync.Edges():
			if !level {
				continue
			}
			seq := ec.engine.RequestEventCapture()
			select {
			case ec.seqs <- seq:
			default:
				ProblemLogger.Printf("ep sequence FIFO full, capture at seq %d dropped", seq)
			}
		}
	}
}

// correlate blocks on the next label and polls the sequence FIFO. Matched
// pairs fan out to every client in enqueue order.
func (ec *EPCorrelator) correlate() {
	defer ec.done.Done()
	for {
		select {
		case <-ec.abort:
			return
		case label := <-ec.labels:
			select {
			case seq := <-ec.seqs:
				ev := EPEvent{Seq: seq, Label: label}
				ec.mu.Lock()
				for _, c := range ec.clients {
					c.Enqueue(ev)
				}
				ec.mu.Unlock()
			default:
				ProblemLogger.Printf("ep mismatch: label %q arrived with no sync pulse pending", label)
			}
		}
	}
}
