package multiplexer

import (
	"io"
	"time"
)

// subscriberEntry tags a Sink with the diagnostics attributes a
// SubscriberSink carries: a connection id and the time it joined.
type subscriberEntry struct {
	sink         Sink
	connectionID string
	subscribedAt time.Time
}

// connectionState is the per-key ConnectionState: the subscriber set,
// the upstream handle, and the timers that reclaim it. It never
// escapes this package — callers only ever see it through Multiplexer
// methods, the same way the teacher's Stream type stays package-private
// to everything outside multiplexer.
type connectionState struct {
	key    Key
	userID string

	subscribers map[string]*subscriberEntry

	upstream io.ReadCloser
	cancel   CancelFunc

	aborted bool

	lastActivityAt time.Time
	firstDataSent  bool

	initialDataTimer *time.Timer

	// done is closed exactly once, by destroy, to stop the activity
	// watcher goroutine without waiting for its next tick.
	done chan struct{}
}
