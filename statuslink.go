package epscope

import (
	"fmt"
	"net"
	"time"

	"github.com/epscope/epscope/internal/asyncbufio"
)

// StatusKind is the one-byte frame type of a status message.
type StatusKind byte

// Status message kinds. Info carries free-form text pushed by the host;
// Action announces a device-initiated event such as a protection trip.
const (
	StatusInfo   StatusKind = 0
	StatusAction StatusKind = 1
)

// StatusMessage is one asynchronous message to the host. The payload is a
// UTF-8 line without framing; the kind byte is the only wire prefix.
type StatusMessage struct {
	Kind    StatusKind
	Payload []byte
}

// StatusLink is an outbound TCP client delivering StatusMessages to the
// host. Messages flow through a bounded queue into an asynchronous writer;
// anything that cannot be sent is logged and dropped, never retried.
type StatusLink struct {
	id     int
	conn   net.Conn
	writer *asyncbufio.Writer
	queue  chan StatusMessage
	abort  chan struct{}
}

const statusQueueDepth = 64

// NewStatusLink dials the host's status receiver and starts the drain
// goroutine.
func NewStatusLink(id int, ip string, port int) (*StatusLink, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("status link %d cannot connect: %w (%v)", id, ErrLinkDown, err)
	}
	sl := &StatusLink{
		id:     id,
		conn:   conn,
		writer: asyncbufio.NewWriter(conn, statusQueueDepth, 100*time.Millisecond),
		queue:  make(chan StatusMessage, statusQueueDepth),
		abort:  make(chan struct{}),
	}
	go sl.drain()
	return sl, nil
}

// ID returns the instance number handed to the host at create time.
func (sl *StatusLink) ID() int { return sl.id }

// Publish enqueues a message. It never blocks: a full queue drops the
// message with a warning.
func (sl *StatusLink) Publish(msg StatusMessage) {
	select {
	case sl.queue <- msg:
	default:
		ProblemLogger.Printf("status link %d queue full, message dropped: %q", sl.id, msg.Payload)
	}
}

// Info publishes a kind-Info message with the given text.
func (sl *StatusLink) Info(text string) {
	sl.Publish(StatusMessage{Kind: StatusInfo, Payload: []byte(text)})
}

// Action publishes a kind-Action message with the given text.
func (sl *StatusLink) Action(text string) {
	sl.Publish(StatusMessage{Kind: StatusAction, Payload: []byte(text)})
}

// drain moves queued messages onto the wire, framed as one kind byte
// followed by the payload bytes.
func (sl *StatusLink) drain() {
	for {
		select {
		case <-sl.abort:
			return
		case msg := <-sl.queue:
			frame := make([]byte, 1+len(msg.Payload))
			frame[0] = byte(msg.Kind)
			copy(frame[1:], msg.Payload)
			if _, err := sl.writer.Write(frame); err != nil {
				ProblemLogger.Printf("status link %d send failed, message dropped: %v", sl.id, err)
			}
		}
	}
}

// Close stops the drain goroutine and closes the socket.
func (sl *StatusLink) Close() {
	close(sl.abort)
	sl.writer.Close()
	sl.conn.Close()
}
