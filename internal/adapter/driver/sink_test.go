package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// flushRecorder wraps httptest.ResponseRecorder to satisfy
// http.Flusher, which the base recorder doesn't implement.
type flushRecorder struct {
	*httptest.ResponseRecorder
	flushed int
	mu      sync.Mutex
}

func (f *flushRecorder) Flush() {
	f.mu.Lock()
	f.flushed++
	f.mu.Unlock()
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func TestNewResponseSinkRejectsNonFlushingWriter(t *testing.T) {
	type plainWriter struct{ http.ResponseWriter }
	r := httptest.NewRequest(http.MethodGet, "/stream/quotes", nil)
	if _, err := NewResponseSink(plainWriter{httptest.NewRecorder()}, r, 1024); err == nil {
		t.Fatal("expected error for a writer without Flush support")
	}
}

func TestResponseSinkWriteFlushesChunks(t *testing.T) {
	rec := newFlushRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stream/quotes", nil)
	sink, err := NewResponseSink(rec, r, 64*1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sink.Start()
	defer sink.End()

	if ok := sink.Write([]byte("hello\n")); !ok {
		t.Fatal("expected Write to succeed")
	}

	deadline := time.After(time.Second)
	for {
		rec.mu.Lock()
		body := rec.Body.String()
		rec.mu.Unlock()
		if body == "hello\n" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for flush, body=%q", body)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestResponseSinkEndIsIdempotentAndFiresOnClose(t *testing.T) {
	rec := newFlushRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stream/quotes", nil)
	sink, err := NewResponseSink(rec, r, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fired int
	var mu sync.Mutex
	sink.OnClose(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	sink.Start()

	sink.End()
	sink.End()
	sink.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected onClose to fire exactly once, fired %d times", fired)
	}
	if sink.IsAlive() {
		t.Fatal("expected sink to report dead after End")
	}
	if ok := sink.Write([]byte("x")); ok {
		t.Fatal("expected Write to fail after End")
	}
}

func TestResponseSinkFullBufferDropsWrite(t *testing.T) {
	rec := newFlushRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stream/quotes", nil)
	// estimatedChunkBytes is 4KiB, so a 4KiB budget gives exactly one slot.
	sink, err := NewResponseSink(rec, r, estimatedChunkBytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sink.End()

	// Don't Start() the drain loop, so the single buffered slot fills.
	if ok := sink.Write([]byte("a")); !ok {
		t.Fatal("expected first write to fit in the buffer")
	}
	if ok := sink.Write([]byte("b")); ok {
		t.Fatal("expected second write to be dropped once the buffer is full")
	}
}

func TestResponseSinkClosesOnRequestContextCancellation(t *testing.T) {
	rec := newFlushRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/quotes", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	sink, err := NewResponseSink(rec, req, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sink.Start()

	cancel()

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sink to close after request context cancellation")
	}
	if sink.IsAlive() {
		t.Fatal("expected sink to be dead after request context cancellation")
	}
}
