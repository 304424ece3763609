// Package registry wires the five named multiplexer instances this
// gateway exposes (quotes, bars, market depth, positions, orders),
// each with its own makeKey/buildRequest pair and its own Upstream
// Requester (and therefore its own circuit breaker), and periodically
// aggregates their per-instance counts into the global
// streams-active/subscribers-connected gauges.
package registry

import (
	"time"

	"github.com/patrickcook28/tradestation-server-sub000/auth"
	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/metrics"
	"github.com/patrickcook28/tradestation-server-sub000/multiplexer"
	"github.com/patrickcook28/tradestation-server-sub000/upstream"
)

// Instance names, also used as registry.Get keys and as the per-
// instance circuit breaker / metrics label.
const (
	InstanceQuotes      = "quotes"
	InstanceBars        = "bars"
	InstanceMarketDepth = "marketdepth"
	InstancePositions   = "positions"
	InstanceOrders      = "orders"
)

// MetricsAggregationInterval is how often the registry recomputes the
// global streams-active/subscribers-connected gauges by summing every
// instance's live counts.
const MetricsAggregationInterval = 5 * time.Second

type instanceSpec struct {
	name         string
	exclusive    bool
	makeKey      multiplexer.MakeKeyFunc
	buildRequest multiplexer.BuildRequestFunc
}

func defaultSpecs() []instanceSpec {
	return []instanceSpec{
		{InstanceQuotes, false, quotesMakeKey, quotesBuildRequest},
		{InstanceBars, true, barsMakeKey, barsBuildRequest},
		{InstanceMarketDepth, false, marketDepthMakeKey, marketDepthBuildRequest},
		{InstancePositions, false, accountStreamMakeKey, positionsBuildRequest},
		{InstanceOrders, false, accountStreamMakeKey, ordersBuildRequest},
	}
}

// Registry holds the gateway's named multiplexer instances.
type Registry struct {
	instances map[string]*multiplexer.Multiplexer
	logger    *logging.Logger

	stopAgg chan struct{}
	aggDone chan struct{}
}

// New builds a Registry from already-constructed multiplexer
// instances, keyed by instance name. Exposed for tests that substitute fake
// requesters; production code should use NewDefault.
func New(instances map[string]*multiplexer.Multiplexer, logger *logging.Logger) *Registry {
	r := &Registry{
		instances: instances,
		logger:    logger,
		stopAgg:   make(chan struct{}),
		aggDone:   make(chan struct{}),
	}
	go r.aggregateMetrics()
	return r
}

// NewDefault builds the production Registry: one upstream.Requester
// (and circuit breaker) per instance, sharing the Token Provider, atop
// the five instance specs from spec.md §4.4.
func NewDefault(tokens auth.Provider, muxCfg multiplexer.Config, upstreamCfg upstream.Config, logger *logging.Logger) *Registry {
	instances := make(map[string]*multiplexer.Multiplexer)
	for _, spec := range defaultSpecs() {
		requester := upstream.New(spec.name, tokens, upstreamCfg, logger)
		instances[spec.name] = multiplexer.New(multiplexer.InstanceConfig{
			Name:         spec.name,
			Exclusive:    spec.exclusive,
			MakeKey:      spec.makeKey,
			BuildRequest: spec.buildRequest,
		}, requester, muxCfg, logger)
	}
	return New(instances, logger)
}

// Get returns the named instance, if any.
func (r *Registry) Get(name string) (*multiplexer.Multiplexer, bool) {
	m, ok := r.instances[name]
	return m, ok
}

// Close stops the metrics aggregation loop and every instance's sweep
// goroutine.
func (r *Registry) Close() {
	close(r.stopAgg)
	<-r.aggDone
	for _, m := range r.instances {
		m.Close()
	}
}

func (r *Registry) aggregateMetrics() {
	defer close(r.aggDone)
	ticker := time.NewTicker(MetricsAggregationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reportMetrics()
		case <-r.stopAgg:
			return
		}
	}
}

// reportMetrics sums Counts() across every instance into the global,
// unlabeled StreamsActive/SubscribersConnected gauges.
func (r *Registry) reportMetrics() {
	var totalUpstreams, totalSubscribers int
	for _, m := range r.instances {
		u, s := m.Counts()
		totalUpstreams += u
		totalSubscribers += s
	}
	metrics.SetStreamsActive(totalUpstreams)
	metrics.SetSubscribersConnected(totalSubscribers)
}
