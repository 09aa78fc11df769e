package epscope

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/epscope/epscope/internal/getbytes"
)

// StreamEndpoint owns the UDP side of one stream connection: a bounded
// queue of buffer-ready descriptors written by the acquisition callback and
// a consumer goroutine that transmits each buffer as a single datagram and
// returns it to the pool. One datagram carries one buffer, header included;
// there is no retransmit and no fragmentation.
type StreamEndpoint struct {
	pool   *BufferPool
	conn   *net.UDPConn
	queue  chan BufferReady
	retain atomic.Int64 // descriptors dropped because the queue was full

	lastMu sync.Mutex
	last   [4][2]uint16 // most recent sample pairs, channel A then B

	recorder atomic.Pointer[Recorder]

	abort chan struct{}
	done  sync.WaitGroup
}

// NewStreamEndpoint opens a UDP socket to the client's receive address.
func NewStreamEndpoint(pool *BufferPool, ip string, port int) (*StreamEndpoint, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("bad stream address %s:%d: %w", ip, port, ErrInvalidArgument)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("cannot open stream socket: %w (%v)", ErrLinkDown, err)
	}
	nslots, _ := pool.Capacity()
	return &StreamEndpoint{
		pool:  pool,
		conn:  conn,
		queue: make(chan BufferReady, nslots),
	}, nil
}

// EnqueueFromISR is the acquisition callback's sink. It never blocks; a
// full queue drops the descriptor (the pool slot then stays Full and the
// engine's overrun check fires on the next transfer).
func (ep *StreamEndpoint) EnqueueFromISR(d BufferReady) {
	select {
	case ep.queue <- d:
	default:
		ep.retain.Add(1)
	}
}

// Start launches the consumer goroutine.
func (ep *StreamEndpoint) Start() {
	ep.abort = make(chan struct{})
	ep.done.Add(1)
	go ep.run(ep.abort)
}

// Stop ends the consumer goroutine and releases any queued buffers.
func (ep *StreamEndpoint) Stop() {
	if ep.abort == nil {
		return
	}
	close(ep.abort)
	ep.done.Wait()
	ep.abort = nil
	for {
		select {
		case d := <-ep.queue:
			ep.pool.Release(d.Index)
		default:
			return
		}
	}
}

// Close tears the endpoint down entirely.
func (ep *StreamEndpoint) Close() {
	ep.Stop()
	ep.conn.Close()
}

func (ep *StreamEndpoint) run(abort <-chan struct{}) {
	defer ep.done.Done()
	for {
		select {
		case <-abort:
			return
		case d := <-ep.queue:
			ep.consume(d)
		}
	}
}

// consume snapshots the last-samples window, transmits the buffer and
// releases the slot. Send failures are logged, never fatal to the stream.
func (ep *StreamEndpoint) consume(d BufferReady) {
	slot := ep.pool.Slot(d.Index)
	ep.snapshotLast(slot, d)

	payload := getbytes.FromSliceUint16(slot[:d.Size/2])
	if _, err := ep.conn.Write(payload); err != nil {
		ProblemLogger.Printf("stream datagram seq %d not sent: %v", d.Seq, err)
	}
	if rec := ep.recorder.Load(); rec != nil {
		rec.Append(payload)
	}
	ep.pool.Release(d.Index)
}

// snapshotLast copies the four most recent sample pairs, best-effort: on
// lock contention the snapshot is skipped and a warning logged.
func (ep *StreamEndpoint) snapshotLast(slot []uint16, d BufferReady) {
	n := (d.Size/2 - HeaderWords) / 2
	if n < len(ep.last) {
		return
	}
	if !ep.lastMu.TryLock() {
		ProblemLogger.Printf("last-samples window contended at seq %d, snapshot skipped", d.Seq)
		return
	}
	defer ep.lastMu.Unlock()
	a := slot[HeaderWords : HeaderWords+n]
	b := slot[HeaderWords+n : HeaderWords+2*n]
	for i := 0; i < len(ep.last); i++ {
		ep.last[i][0] = a[n-len(ep.last)+i]
		ep.last[i][1] = b[n-len(ep.last)+i]
	}
}

// LastWindow returns the most recent four sample pairs seen by the consumer.
func (ep *StreamEndpoint) LastWindow() [4][2]uint16 {
	ep.lastMu.Lock()
	defer ep.lastMu.Unlock()
	return ep.last
}

// SetRecorder attaches (or with nil detaches) a raw-buffer recorder.
func (ep *StreamEndpoint) SetRecorder(rec *Recorder) {
	ep.recorder.Store(rec)
}

// Dropped reports how many descriptors the ISR-side producer had to drop.
func (ep *StreamEndpoint) Dropped() int64 {
	return ep.retain.Load()
}
