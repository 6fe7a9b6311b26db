package progress

import (
	"io"
)

// Reader wraps a response body source and publishes a progress event for
// every successful read. TotalBytes is the length of this response body
// (the range length for partial requests), so events are per-response.
//
// Close emits exactly one terminal event: with ReadBytes == TotalBytes after
// full delivery, or the current count when the stream was cut short.
type Reader struct {
	inner         io.Reader
	transactionID string
	filePath      string
	totalBytes    int64
	readBytes     int64
	bus           *Bus
	finished      bool
}

// NewReader creates an instrumented reader for one response body.
func NewReader(inner io.Reader, transactionID, filePath string, totalBytes int64, bus *Bus) *Reader {
	return &Reader{
		inner:         inner,
		transactionID: transactionID,
		filePath:      filePath,
		totalBytes:    totalBytes,
		bus:           bus,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.readBytes += int64(n)
		r.publish(false)
	}
	if err == io.EOF {
		r.finish()
	}
	return n, err
}

// Close emits the terminal event if Read has not already reached EOF.
// It is the drop-time finaliser for the abort case: an interrupted copy
// never sees EOF, so the terminal event carries the partial count.
func (r *Reader) Close() error {
	r.finish()
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadBytes returns the number of body bytes delivered so far.
func (r *Reader) ReadBytes() int64 { return r.readBytes }

func (r *Reader) finish() {
	if r.finished {
		return
	}
	r.finished = true
	r.publish(true)
}

func (r *Reader) publish(terminal bool) {
	r.bus.Publish(Event{
		Name:          EventDownloadProgress,
		TransactionID: r.transactionID,
		FilePath:      r.filePath,
		ReadBytes:     r.readBytes,
		TotalBytes:    r.totalBytes,
		Terminal:      terminal,
	})
}
