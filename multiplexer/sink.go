package multiplexer

// Sink is a subscriber transport: exactly the capabilities the mux
// core needs from a streaming HTTP response, without this package
// importing net/http. internal/adapter/driver.ResponseSink is the
// concrete adapter wired to the browser side; tests use a fake.
type Sink interface {
	// Write delivers one chunk of upstream bytes. It must not block on
	// a slow consumer: ok=false means the transport is dead and the
	// subscriber should be dropped rather than retried or buffered for.
	Write(chunk []byte) (ok bool)
	// End closes the transport. Must be idempotent.
	End()
	// IsAlive is a cheap liveness check, used before subscribing and
	// again after every suspension point where the client may have
	// disconnected in the meantime.
	IsAlive() bool
	// OnClose registers a callback that fires exactly once when the
	// transport terminates for any reason (client close, client abort,
	// transport error, end of response). Implementations must wire both
	// the underlying request's and response's close signals — relying
	// on the response alone misses client aborts.
	OnClose(func())
}
