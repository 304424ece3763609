// Package multiplexer implements the Stream Multiplexer: one upstream
// connection per key, multicast to every subscribed Sink, with prompt
// teardown when subscribers disappear. It is the generalized,
// domain-agnostic descendant of the teacher's content-ID multiplexer —
// same per-key map + mutex shape, generalized from "one content ID" to
// "one key derived from a user plus instance-specific request
// parameters", and from "reconnect with backoff" to "one open attempt,
// tear down on any upstream failure" per this gateway's non-goals.
package multiplexer

import (
	"context"
	"io"
	"net/url"
)

// Key is the canonical identity of an upstream connection for a user,
// produced by a MakeKeyFunc. Keys are opaque, case-sensitive and
// order-sensitive strings; callers must normalize deps (symbol case,
// dedup, sort) before deriving one.
type Key string

// UpstreamRequest is what a BuildRequestFunc hands to the Upstream
// Requester: enough to build the upstream URL and pick the live vs
// paper-trading host. An empty Path is treated as a bad request.
type UpstreamRequest struct {
	Path         string
	Query        url.Values
	PaperTrading bool
}

// CancelFunc aborts an open upstream connection. Implementations must
// make it safe to call more than once.
type CancelFunc func()

// Requester is the Multiplexer Core's only dependency on the network:
// open one upstream byte stream for a user. upstream.Requester is the
// concrete implementation; tests substitute a fake.
type Requester interface {
	OpenStream(ctx context.Context, userID string, req UpstreamRequest) (io.ReadCloser, CancelFunc, error)
}

// MakeKeyFunc derives a Key from a user id and instance-specific
// dependencies (symbol list, bar interval, account id, ...). Modeled,
// per spec, as an injected pure function rather than a method on a
// class hierarchy.
type MakeKeyFunc func(userID string, deps interface{}) Key

// BuildRequestFunc turns (userID, deps) into the upstream request to
// open.
type BuildRequestFunc func(userID string, deps interface{}) (UpstreamRequest, error)
