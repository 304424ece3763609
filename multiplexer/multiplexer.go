package multiplexer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/metrics"
)

// Config holds the multiplexer's tunables. Field names and defaults
// mirror the spec's named constants; every duration/count below can be
// overridden per instance through registry wiring.
type Config struct {
	// InitialDataTimeout: an upstream that produces no byte within this
	// window is destroyed even with subscribers attached.
	InitialDataTimeout time.Duration
	// ActivityCheckInterval is how often idleness is checked per key.
	ActivityCheckInterval time.Duration
	// ActivityTimeout: an upstream idle longer than this is destroyed.
	ActivityTimeout time.Duration
	// MaxPendingOpens caps concurrent opens across all keys in this
	// instance; the next attempt is rate-limited.
	MaxPendingOpens int
	// StalePendingThreshold: a pending-open entry older than this is
	// reaped by the periodic sweep as a safety net.
	StalePendingThreshold time.Duration
	// PendingCleanupCap bounds how long ensureUpstream/closeKey wait on
	// someone else's in-flight destruction before proceeding anyway.
	PendingCleanupCap time.Duration
	// ClosedKeySettleDelay is slept after destroying a key before
	// releasing the cleanup lock, letting the transport settle before
	// the same key can be reopened.
	ClosedKeySettleDelay time.Duration
	// MinSwitchDelay throttles how often one user can switch keys on an
	// exclusive instance.
	MinSwitchDelay time.Duration
	// MaxSubscribersPerKey caps fan-out per upstream connection.
	MaxSubscribersPerKey int
	// SweepInterval is the periodic zombie/stale-pending sweep cadence.
	SweepInterval time.Duration
	// SubscriberBufferSize sizes each sink's write buffer, where the
	// sink implementation honors it (see internal/adapter/driver).
	SubscriberBufferSize int
	// OpenSafetyTimeout bounds a single open attempt end to end, as a
	// backstop against OpenStream never returning.
	OpenSafetyTimeout time.Duration
}

// DefaultConfig returns every tunable at its spec-documented default.
func DefaultConfig() Config {
	return Config{
		InitialDataTimeout:    10 * time.Second,
		ActivityCheckInterval: 30 * time.Second,
		ActivityTimeout:       30 * time.Second,
		MaxPendingOpens:       10,
		StalePendingThreshold: 20 * time.Second,
		PendingCleanupCap:     2 * time.Second,
		ClosedKeySettleDelay:  50 * time.Millisecond,
		MinSwitchDelay:        100 * time.Millisecond,
		MaxSubscribersPerKey:  100,
		SweepInterval:         60 * time.Second,
		SubscriberBufferSize:  64 * 1024,
		OpenSafetyTimeout:     20 * time.Second,
	}
}

// InstanceConfig names one multiplexer instance and supplies its two
// injected pure functions (key derivation, upstream request building).
// Exclusive instances (bars) enforce at most one live key per user.
type InstanceConfig struct {
	Name         string
	Exclusive    bool
	MakeKey      MakeKeyFunc
	BuildRequest BuildRequestFunc
}

// Multiplexer is the Multiplexer Core: it maintains at most one
// upstream connection per Key, multicasts its bytes to every
// subscribed Sink, and tears down promptly when the last one leaves.
// One sync.Mutex guards every map below; it is held only across map
// mutation, never across upstream I/O. The one sink write made under it
// is the LateJoin line queued in subscribe (a non-blocking enqueue);
// fan-out of upstream chunks happens outside it, matching the
// concurrency model's "serialize mux-state mutations, leave I/O and
// writes concurrent".
type Multiplexer struct {
	name      string
	exclusive bool

	makeKey      MakeKeyFunc
	buildRequest BuildRequestFunc
	requester    Requester

	cfg    Config
	logger *logging.Logger

	mu                sync.Mutex
	keyToState        map[Key]*connectionState
	pendingOpens      map[Key]*pendingEntry
	pendingCleanups   map[Key]*pendingEntry
	pendingOpensCount int
	userToLastKey     map[string]Key
	userLastSwitch    map[string]time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Multiplexer instance and starts its periodic sweep
// goroutine. Call Close to stop it during shutdown.
func New(ic InstanceConfig, requester Requester, cfg Config, logger *logging.Logger) *Multiplexer {
	m := &Multiplexer{
		name:            ic.Name,
		exclusive:       ic.Exclusive,
		makeKey:         ic.MakeKey,
		buildRequest:    ic.BuildRequest,
		requester:       requester,
		cfg:             cfg,
		logger:          logger,
		keyToState:      make(map[Key]*connectionState),
		pendingOpens:    make(map[Key]*pendingEntry),
		pendingCleanups: make(map[Key]*pendingEntry),
		userToLastKey:   make(map[string]Key),
		userLastSwitch:  make(map[string]time.Time),
		stopSweep:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Name returns the instance name this multiplexer was constructed
// with (used for metric and log labeling by the registry).
func (m *Multiplexer) Name() string { return m.name }

// Close stops the background sweep goroutine. It does not tear down
// any live connections; callers that want a clean shutdown should also
// force-close every key they care about.
func (m *Multiplexer) Close() {
	close(m.stopSweep)
	<-m.sweepDone
}

// AddSubscriber is spec.md §4.3's addSubscriber: attach sink to the
// upstream for (userID, deps), opening it if necessary.
func (m *Multiplexer) AddSubscriber(ctx context.Context, userID string, deps interface{}, sink Sink) *Error {
	key := m.makeKey(userID, deps)
	return m.subscribe(ctx, userID, deps, key, sink)
}

// AddExclusiveSubscriber is spec.md §4.3's addExclusiveSubscriber: as
// AddSubscriber, but first evicts the user's previous key if the new
// one differs, throttled by MinSwitchDelay.
func (m *Multiplexer) AddExclusiveSubscriber(ctx context.Context, userID string, deps interface{}, sink Sink) *Error {
	nextKey := m.makeKey(userID, deps)

	m.mu.Lock()
	prevKey, hasPrev := m.userToLastKey[userID]
	lastSwitch := m.userLastSwitch[userID]
	m.mu.Unlock()

	if hasPrev && prevKey != nextKey {
		if wait := m.cfg.MinSwitchDelay - time.Since(lastSwitch); wait > 0 {
			time.Sleep(wait)
		}
		m.closeKey(prevKey)
		m.mu.Lock()
		m.userLastSwitch[userID] = time.Now()
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.userToLastKey[userID] = nextKey
	m.mu.Unlock()

	return m.subscribe(ctx, userID, deps, nextKey, sink)
}

// subscribe is the shared body of AddSubscriber/AddExclusiveSubscriber
// once the target key is known.
func (m *Multiplexer) subscribe(ctx context.Context, userID string, deps interface{}, key Key, sink Sink) *Error {
	if !sink.IsAlive() {
		sink.End()
		return nil
	}

	m.mu.Lock()
	existing, ok := m.keyToState[key]
	isLateJoin := ok && !existing.aborted && existing.firstDataSent
	m.mu.Unlock()

	state, err := m.ensureUpstream(ctx, userID, deps, key)
	if err != nil {
		return err
	}

	// The client may have aborted while we were opening upstream.
	if !sink.IsAlive() {
		sink.End()
		return nil
	}

	m.mu.Lock()
	if state.aborted {
		m.mu.Unlock()
		return newError(KindBadGateway, http.StatusBadGateway, "upstream closed before subscription completed", nil)
	}
	if len(state.subscribers) >= m.cfg.MaxSubscribersPerKey {
		m.mu.Unlock()
		metrics.RecordRateLimited(m.name)
		return newError(KindServiceUnavailable, http.StatusServiceUnavailable, "too many subscribers for this stream", map[string]interface{}{"key": string(key)})
	}
	connID := uuid.NewString()
	// The LateJoin line must be queued before this sink is reachable
	// from state.subscribers: onData snapshots that map under m.mu and
	// writes outside it, so queuing LateJoin while still holding the
	// lock, before the add, guarantees it precedes any chunk onData
	// could hand this sink.
	if isLateJoin {
		sink.Write([]byte(`{"LateJoin":true}` + "\n"))
	}
	state.subscribers[connID] = &subscriberEntry{sink: sink, connectionID: connID, subscribedAt: time.Now()}
	m.mu.Unlock()

	// SubscribersConnected/StreamsActive are global, unlabeled gauges
	// summed across every instance by the registry's aggregation loop;
	// a single instance setting them here would just clobber whatever
	// the others last reported.
	m.logEventVerbose(logging.EventSubscriberAdded, key, map[string]interface{}{"connectionId": connID})

	sink.OnClose(func() {
		m.mu.Lock()
		if state.subscribers == nil {
			m.mu.Unlock()
			return
		}
		delete(state.subscribers, connID)
		empty := len(state.subscribers) == 0
		m.mu.Unlock()
		m.logEventVerbose(logging.EventSubscriberRemoved, key, map[string]interface{}{"connectionId": connID})
		if empty {
			m.destroy(key, "Last subscriber closed", nil)
		}
	})

	return nil
}

// ensureUpstream is spec.md §4.3's ensureUpstream.
func (m *Multiplexer) ensureUpstream(ctx context.Context, userID string, deps interface{}, key Key) (*connectionState, *Error) {
	m.mu.Lock()
	if cleanup, ok := m.pendingCleanups[key]; ok {
		m.mu.Unlock()
		cleanup.wait(m.cfg.PendingCleanupCap)
		m.mu.Lock()
	}

	if state, ok := m.keyToState[key]; ok && !state.aborted {
		m.mu.Unlock()
		return state, nil
	}

	if open, ok := m.pendingOpens[key]; ok {
		m.mu.Unlock()
		<-open.ch
		m.mu.Lock()
		if state, ok := m.keyToState[key]; ok && !state.aborted {
			m.mu.Unlock()
			return state, nil
		}
		m.mu.Unlock()
		if open.err != nil {
			return nil, open.err
		}
		return nil, newError(KindBadGateway, http.StatusBadGateway, "upstream open failed", nil)
	}

	if m.pendingOpensCount >= m.cfg.MaxPendingOpens {
		m.mu.Unlock()
		metrics.RecordRateLimited(m.name)
		m.logEvent(logging.EventRateLimited, key, map[string]interface{}{"pendingOpens": m.cfg.MaxPendingOpens})
		return nil, newError(KindServiceUnavailable, http.StatusServiceUnavailable, "too many concurrent upstream opens", nil)
	}

	m.pendingOpensCount++
	entry := newPendingEntry()
	m.pendingOpens[key] = entry
	metrics.SetPendingOpens(m.name, m.pendingOpensCount)
	m.mu.Unlock()

	state, openErr := m.doOpen(key, userID, deps)

	m.mu.Lock()
	m.pendingOpensCount--
	delete(m.pendingOpens, key)
	metrics.SetPendingOpens(m.name, m.pendingOpensCount)
	m.mu.Unlock()

	entry.finish(state, openErr)

	if openErr != nil {
		return nil, openErr
	}

	if m.exclusive {
		m.mu.Lock()
		current, ok := m.userToLastKey[userID]
		stale := ok && current != key
		m.mu.Unlock()
		if stale {
			m.destroy(key, "Stale exclusive open", nil)
			return nil, newError(KindConflict, http.StatusConflict, "exclusive stream superseded while opening", nil)
		}
	}

	return state, nil
}

// doOpen performs the actual upstream open and, on success, installs
// the new connectionState. The open runs on a context bounded only by
// OpenSafetyTimeout, never on a triggering subscriber's request
// context: several subscribers can coalesce onto one ensureUpstream
// call, and the first one's disconnect must not abort the open for
// the rest.
func (m *Multiplexer) doOpen(key Key, userID string, deps interface{}) (*connectionState, *Error) {
	req, err := m.buildRequest(userID, deps)
	if err != nil {
		return nil, newError(KindBadRequest, http.StatusBadRequest, err.Error(), nil)
	}
	if req.Path == "" {
		return nil, newError(KindBadRequest, http.StatusBadRequest, "missing upstream path", nil)
	}

	openCtx, cancelSafety := context.WithTimeout(context.Background(), m.cfg.OpenSafetyTimeout)
	defer cancelSafety()

	rc, cancel, rerr := m.requester.OpenStream(openCtx, userID, req)
	if rerr != nil {
		var merr *Error
		if errors.As(rerr, &merr) {
			return nil, merr
		}
		return nil, newError(KindBadGateway, http.StatusBadGateway, rerr.Error(), nil)
	}

	state := &connectionState{
		key:            key,
		userID:         userID,
		subscribers:    make(map[string]*subscriberEntry),
		upstream:       rc,
		cancel:         cancel,
		lastActivityAt: time.Now(),
		done:           make(chan struct{}),
	}
	state.initialDataTimer = time.AfterFunc(m.cfg.InitialDataTimeout, func() {
		m.destroy(key, "No initial data", nil)
	})

	m.mu.Lock()
	m.keyToState[key] = state
	m.mu.Unlock()

	m.logEventVerbose(logging.EventUpstreamOpened, key, nil)

	go m.pump(state)
	go m.activityWatch(state)

	return state, nil
}

// pump is the per-ConnectionState upstream data loop.
func (m *Multiplexer) pump(state *connectionState) {
	buf := make([]byte, 32*1024)
	for {
		n, err := state.upstream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.onData(state, chunk)
		}
		if err != nil {
			if err == io.EOF {
				m.destroy(state.key, "Upstream ended", nil)
			} else {
				m.destroy(state.key, "Upstream error", err)
			}
			return
		}
	}
}

// onData broadcasts one chunk to every live subscriber, in the order
// the upstream produced it, removing any that report dead.
func (m *Multiplexer) onData(state *connectionState, chunk []byte) {
	m.mu.Lock()
	if state.aborted {
		m.mu.Unlock()
		return
	}
	state.lastActivityAt = time.Now()
	if !state.firstDataSent {
		state.firstDataSent = true
		if state.initialDataTimer != nil {
			state.initialDataTimer.Stop()
			state.initialDataTimer = nil
		}
	}
	if len(state.subscribers) == 0 {
		m.mu.Unlock()
		// Zombie: should never happen, since destruction fires on the
		// last subscriber's close, but defend against it anyway.
		go m.destroy(state.key, "Zombie: no subscribers on data", nil)
		return
	}
	subs := make([]*subscriberEntry, 0, len(state.subscribers))
	for _, s := range state.subscribers {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	var dead []string
	for _, s := range subs {
		if !s.sink.Write(chunk) {
			dead = append(dead, s.connectionID)
		}
	}
	if len(dead) == 0 {
		return
	}

	m.mu.Lock()
	for _, id := range dead {
		delete(state.subscribers, id)
	}
	empty := len(state.subscribers) == 0
	m.mu.Unlock()

	if empty {
		// Don't wait for the (possibly delayed) onClose path.
		m.destroy(state.key, "All subscribers dead", nil)
	}
}

// activityWatch destroys state if it goes idle longer than
// ActivityTimeout, checked every ActivityCheckInterval.
func (m *Multiplexer) activityWatch(state *connectionState) {
	ticker := time.NewTicker(m.cfg.ActivityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if state.aborted {
				m.mu.Unlock()
				return
			}
			idle := time.Since(state.lastActivityAt)
			m.mu.Unlock()
			if idle > m.cfg.ActivityTimeout {
				m.destroy(state.key, "Idle timeout", nil)
				return
			}
		case <-state.done:
			return
		}
	}
}

// destroy is spec.md §4.3's _destroyConnection: the single, idempotent
// teardown path.
func (m *Multiplexer) destroy(key Key, reason string, cause error) {
	m.mu.Lock()
	state, ok := m.keyToState[key]
	if !ok || state.aborted {
		m.mu.Unlock()
		return
	}
	state.aborted = true
	subs := state.subscribers
	state.subscribers = nil
	delete(m.keyToState, key)
	cancel := state.cancel
	initTimer := state.initialDataTimer
	userID := state.userID
	m.mu.Unlock()

	m.logDestroy(key, reason, cause)

	for _, s := range subs {
		s.sink.End()
	}
	if initTimer != nil {
		initTimer.Stop()
	}
	close(state.done)

	// Cancel the upstream fetch first; destroying/releasing the byte
	// stream itself is the requester's responsibility inside cancel
	// (it defers the body close one scheduler tick, per spec.md §9).
	if cancel != nil {
		cancel()
	}

	if m.exclusive {
		m.mu.Lock()
		if m.userToLastKey[userID] == key {
			delete(m.userToLastKey, userID)
			delete(m.userLastSwitch, userID)
		}
		m.mu.Unlock()
	}
}

// closeKey is spec.md §4.3's closeKey: safe external teardown that
// coalesces with any cleanup already in flight and settles briefly
// before the key can be reopened.
func (m *Multiplexer) closeKey(key Key) {
	m.mu.Lock()
	if _, ok := m.keyToState[key]; !ok {
		if cleanup, ok := m.pendingCleanups[key]; ok {
			m.mu.Unlock()
			cleanup.wait(m.cfg.PendingCleanupCap)
			return
		}
		m.mu.Unlock()
		return
	}
	if cleanup, ok := m.pendingCleanups[key]; ok {
		m.mu.Unlock()
		cleanup.wait(m.cfg.PendingCleanupCap)
		return
	}
	entry := newPendingEntry()
	m.pendingCleanups[key] = entry
	m.mu.Unlock()

	m.destroy(key, "Force closed", nil)
	time.Sleep(m.cfg.ClosedKeySettleDelay)

	m.mu.Lock()
	delete(m.pendingCleanups, key)
	m.mu.Unlock()
	entry.finish(nil, nil)
}

// sweepLoop runs the periodic stale-subscriber / zombie / stale-pending
// sweep every SweepInterval.
func (m *Multiplexer) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopSweep:
			return
		}
	}
}

// sweepOnce performs one sweep pass; exported via Close/New's ticker
// for production use, called directly by tests for determinism.
func (m *Multiplexer) sweepOnce() {
	type staleOpen struct {
		key   Key
		entry *pendingEntry
	}

	m.mu.Lock()
	states := make([]*connectionState, 0, len(m.keyToState))
	for _, s := range m.keyToState {
		states = append(states, s)
	}
	now := time.Now()
	var stale []staleOpen
	for k, p := range m.pendingOpens {
		if now.Sub(p.startedAt) > m.cfg.StalePendingThreshold {
			stale = append(stale, staleOpen{k, p})
		}
	}
	for _, s := range stale {
		delete(m.pendingOpens, s.key)
		m.pendingOpensCount--
	}
	if len(stale) > 0 {
		metrics.SetPendingOpens(m.name, m.pendingOpensCount)
	}
	upstreamCount := len(m.keyToState)
	pendingCount := m.pendingOpensCount
	m.mu.Unlock()

	for _, s := range stale {
		s.entry.finish(nil, newError(KindGatewayTimeout, http.StatusGatewayTimeout, "stale pending open reclaimed by sweep", nil))
	}

	reclaimed := 0
	for _, state := range states {
		m.mu.Lock()
		if state.aborted {
			m.mu.Unlock()
			continue
		}
		var deadIDs []string
		for id, entry := range state.subscribers {
			if !entry.sink.IsAlive() {
				deadIDs = append(deadIDs, id)
			}
		}
		for _, id := range deadIDs {
			delete(state.subscribers, id)
		}
		zombie := len(state.subscribers) == 0
		m.mu.Unlock()
		if zombie {
			m.destroy(state.key, "Zombie sweep", nil)
			reclaimed++
		}
	}

	if reclaimed > 0 {
		metrics.RecordZombieSweep(m.name, reclaimed)
		m.logEvent(logging.EventZombieSweep, "", map[string]interface{}{"reclaimed": reclaimed})
	}
	if len(stale) > 0 && m.logger != nil {
		m.logger.Warn("stale pending opens reaped", map[string]interface{}{"instance": m.name, "count": len(stale)})
	}
	if m.logger != nil {
		if upstreamCount > 20 {
			m.logger.Warn("high upstream count", map[string]interface{}{"instance": m.name, "count": upstreamCount})
		}
		if pendingCount > 5 {
			m.logger.Warn("high pending-open count", map[string]interface{}{"instance": m.name, "count": pendingCount})
		}
	}
}

// Stats returns diagnostic counters for this instance.
func (m *Multiplexer) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]map[string]interface{}, 0, len(m.keyToState))
	for k, s := range m.keyToState {
		keys = append(keys, map[string]interface{}{
			"key":         string(k),
			"subscribers": len(s.subscribers),
			"firstData":   s.firstDataSent,
		})
	}
	return map[string]interface{}{
		"instance":     m.name,
		"upstreams":    len(m.keyToState),
		"pendingOpens": m.pendingOpensCount,
		"keys":         keys,
	}
}

// Counts returns the live upstream count and total subscriber count
// for this instance, for the registry's cross-instance metrics
// aggregation loop.
func (m *Multiplexer) Counts() (upstreams, subscribers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upstreams = len(m.keyToState)
	for _, s := range m.keyToState {
		subscribers += len(s.subscribers)
	}
	return upstreams, subscribers
}

func (m *Multiplexer) logEvent(event logging.MuxEvent, key Key, fields map[string]interface{}) {
	if m.logger == nil {
		return
	}
	merged := map[string]interface{}{"instance": m.name}
	for k, v := range fields {
		merged[k] = v
	}
	m.logger.LogMuxEvent(event, string(key), merged)
}

// logEventVerbose is logEvent's counterpart for high-volume events
// (subscriber add/remove, upstream open), which surface only when the
// logger's verbose gate is enabled.
func (m *Multiplexer) logEventVerbose(event logging.MuxEvent, key Key, fields map[string]interface{}) {
	if m.logger == nil {
		return
	}
	merged := map[string]interface{}{"instance": m.name}
	for k, v := range fields {
		merged[k] = v
	}
	m.logger.LogMuxEventVerbose(event, string(key), merged)
}

func (m *Multiplexer) logDestroy(key Key, reason string, cause error) {
	if m.logger == nil {
		return
	}
	fields := map[string]interface{}{"instance": m.name, "reason": reason}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	// Expected teardown causes (EOF, force-close, idle/no-data
	// reclamation) log at debug; anything carrying an unexpected
	// upstream error logs at warn so it's visible without verbose mode.
	if cause != nil {
		m.logger.Warn("connection destroyed", fields)
	} else {
		m.logger.Debug("connection destroyed", fields)
	}
}
