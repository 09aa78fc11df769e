package epscope

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/epscope/epscope/internal/appendablenpy"
)

// Recorder captures the raw payload of every streamed datagram into an
// appendable .npy file of 16-bit samples. The stream consumer hands it
// payloads through a bounded queue, so a slow disk never stalls the UDP
// path; full-queue payloads are counted and dropped.
type Recorder struct {
	session string
	npy     *appendablenpy.Writer

	queue   chan []byte
	dropped int

	mu     sync.RWMutex // serializes Append against Close
	closed bool
	done   sync.WaitGroup
}

const recorderQueueDepth = 64

// NewRecorder opens path for writing and starts the drain goroutine. Each
// recording carries a fresh ULID session identifier.
func NewRecorder(path string) (*Recorder, error) {
	npy, err := appendablenpy.Create(path, "'<u2'", 2)
	if err != nil {
		return nil, fmt.Errorf("cannot open recording %q: %w (%v)", path, ErrDeviceError, err)
	}
	r := &Recorder{
		session: ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		npy:     npy,
		queue:   make(chan []byte, recorderQueueDepth),
	}
	r.done.Add(1)
	go r.drain()
	UpdateLogger.Printf("recording session %s opened at %q", r.session, path)
	return r, nil
}

// SessionID returns the recording's ULID.
func (r *Recorder) SessionID() string {
	return r.session
}

// Append queues a copy of one datagram payload without blocking. Appends
// racing a Close are discarded.
func (r *Recorder) Append(payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case r.queue <- cp:
	default:
		r.dropped++
		if r.dropped%100 == 1 {
			ProblemLogger.Printf("recording session %s has dropped %d payloads", r.session, r.dropped)
		}
	}
}

func (r *Recorder) drain() {
	defer r.done.Done()
	for payload := range r.queue {
		if err := r.npy.Append(payload); err != nil {
			ProblemLogger.Printf("recording session %s write failed: %v", r.session, err)
		}
	}
}

// Close drains anything still queued and finishes the file. Safe to call
// more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.done.Wait()
	if err := r.npy.Close(); err != nil {
		ProblemLogger.Printf("recording session %s close failed: %v", r.session, err)
	}
	UpdateLogger.Printf("recording session %s closed with %d items", r.session, r.npy.Items())
}
