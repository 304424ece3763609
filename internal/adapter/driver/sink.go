// Package driver adapts HTTP requests to the Multiplexer Core: it
// implements multiplexer.Sink over an http.ResponseWriter plus the
// inbound *http.Request, and resolves a named registry instance into
// an http.HandlerFunc business routes can mount directly.
package driver

import (
	"errors"
	"net/http"
	"sync"
)

// estimatedChunkBytes sizes the sink's channel capacity from a byte
// budget (multiplexer.Config.SubscriberBufferSize), mirroring the
// teacher's NewClient sizing its buffer channel by an assumed ~4KiB
// chunk size rather than tracking exact byte counts per slot.
const estimatedChunkBytes = 4 * 1024

// ResponseSink implements multiplexer.Sink over one HTTP response.
// Writes are queued on a buffered channel and flushed by a dedicated
// goroutine so a slow client never blocks the multiplexer's upstream
// pump; a full buffer reports the write as failed rather than
// blocking, exactly the teacher's Client.Send contract.
type ResponseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	r       *http.Request

	buffer chan []byte
	done   chan struct{}

	mu      sync.Mutex
	alive   bool
	onClose func()

	closeOnce sync.Once
}

// NewResponseSink constructs a sink over w/r. bufferBytes sizes the
// internal queue (see estimatedChunkBytes); it fails if w does not
// support streaming (http.Flusher).
func NewResponseSink(w http.ResponseWriter, r *http.Request, bufferBytes int) (*ResponseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	slots := bufferBytes / estimatedChunkBytes
	if slots < 1 {
		slots = 1
	}
	return &ResponseSink{
		w:       w,
		flusher: flusher,
		r:       r,
		buffer:  make(chan []byte, slots),
		done:    make(chan struct{}),
		alive:   true,
	}, nil
}

// Start launches the write-flush loop and the request-close watcher.
// Callers must only call this once the caller has decided to actually
// serve the stream (after a successful subscribe), since starting it
// commits to writing response headers via the first flushed chunk.
func (s *ResponseSink) Start() {
	go s.writeLoop()
	go s.watchRequestClose()
}

// Wait blocks until the sink closes, for any reason. The HTTP handler
// holding the connection open should call this last.
func (s *ResponseSink) Wait() {
	<-s.done
}

// Write implements multiplexer.Sink.
func (s *ResponseSink) Write(chunk []byte) bool {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return false
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case s.buffer <- cp:
		return true
	default:
		return false
	}
}

// End implements multiplexer.Sink.
func (s *ResponseSink) End() {
	s.close()
}

// IsAlive implements multiplexer.Sink.
func (s *ResponseSink) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && s.r.Context().Err() == nil
}

// OnClose implements multiplexer.Sink.
func (s *ResponseSink) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *ResponseSink) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.alive = false
		fn := s.onClose
		s.mu.Unlock()
		close(s.done)
		if fn != nil {
			fn()
		}
	})
}

// writeLoop drains the buffer and flushes each chunk to the response,
// closing the sink on the first write error (the client went away) or
// when the sink is closed from elsewhere (request abort, upstream
// teardown).
func (s *ResponseSink) writeLoop() {
	for {
		select {
		case chunk := <-s.buffer:
			if _, err := s.w.Write(chunk); err != nil {
				s.close()
				return
			}
			s.flusher.Flush()
		case <-s.done:
			return
		}
	}
}

// watchRequestClose fires close() the moment the inbound request's
// context is done, which net/http guarantees happens on client
// disconnect. This is the "request-level, not response-level"
// disconnect detection: relying on a failed response Write alone
// misses a client that stops reading without the TCP connection itself
// erroring on our next write attempt.
func (s *ResponseSink) watchRequestClose() {
	select {
	case <-s.r.Context().Done():
		s.close()
	case <-s.done:
	}
}
