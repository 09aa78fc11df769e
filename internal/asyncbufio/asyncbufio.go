// Package asyncbufio decouples writers from slow sinks: writes land in a
// bounded channel and a single goroutine moves them into a bufio.Writer,
// flushing on a timer. A full channel fails the write immediately instead
// of blocking the producer.
package asyncbufio

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer
	data          chan []byte
	flushNow      chan struct{} // request an immediate flush
	flushComplete chan struct{} // signals that the flush finished
	flushInterval time.Duration
	dropped       atomic.Int64
}

// NewWriter creates a Writer holding up to channelDepth pending writes and
// flushing the underlying writer every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		data:          make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues p for writing. It fails with io.ErrShortWrite when the
// channel is full; the caller owns the drop policy.
func (aw *Writer) Write(p []byte) (int, error) {
	select {
	case aw.data <- p:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// Flush drains the channel into the underlying writer and flushes it,
// blocking until done.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return nil
}

// Close flushes remaining data and stops the write loop. Write or Flush
// after Close will panic; we don't test for that case.
func (aw *Writer) Close() {
	close(aw.flushNow)
	<-aw.flushComplete
}

// Dropped reports how many writes were refused because the channel was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.data:
			aw.writer.Write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the data channel before flushing the underlying writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.data:
			aw.writer.Write(data)
		default:
			aw.writer.Flush()
			return
		}
	}
}
