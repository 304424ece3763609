package driver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/multiplexer"
	"github.com/patrickcook28/tradestation-server-sub000/registry"
)

// Route binds one HTTP endpoint to a named registry instance: which
// multiplexer to join, whether joining it is exclusive (kicks the
// caller's own prior subscription on this instance), and how to turn
// the inbound request into that instance's deps value.
type Route struct {
	Instance  string
	Exclusive bool
	BuildDeps func(r *http.Request) (interface{}, error)
}

// Routes returns the five stream endpoints this gateway exposes, each
// bound to its registry instance per spec.md §4.4.
func Routes() map[string]Route {
	return map[string]Route{
		"quotes":      {Instance: registry.InstanceQuotes, BuildDeps: quotesDeps},
		"bars":        {Instance: registry.InstanceBars, Exclusive: true, BuildDeps: barsDeps},
		"marketdepth": {Instance: registry.InstanceMarketDepth, BuildDeps: marketDepthDeps},
		"positions":   {Instance: registry.InstancePositions, BuildDeps: accountDeps},
		"orders":      {Instance: registry.InstanceOrders, BuildDeps: accountDeps},
	}
}

func parseBoolQuery(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func parseIntQuery(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func quotesDeps(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	raw := q.Get("symbols")
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("symbols query parameter is required")
	}
	return registry.QuotesDeps{
		Symbols:      strings.Split(raw, ","),
		PaperTrading: parseBoolQuery(q.Get("paperTrading")),
	}, nil
}

func barsDeps(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	ticker := q.Get("ticker")
	if strings.TrimSpace(ticker) == "" {
		return nil, errors.New("ticker query parameter is required")
	}
	return registry.BarsDeps{
		Ticker:          ticker,
		Interval:        parseIntQuery(q.Get("interval")),
		Unit:            q.Get("unit"),
		BarsBack:        parseIntQuery(q.Get("barsback")),
		SessionTemplate: q.Get("sessiontemplate"),
		PaperTrading:    parseBoolQuery(q.Get("paperTrading")),
	}, nil
}

func marketDepthDeps(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	ticker := q.Get("ticker")
	if strings.TrimSpace(ticker) == "" {
		return nil, errors.New("ticker query parameter is required")
	}
	return registry.MarketDepthDeps{
		Ticker:       ticker,
		MaxLevels:    parseIntQuery(q.Get("maxlevels")),
		PaperTrading: parseBoolQuery(q.Get("paperTrading")),
	}, nil
}

func accountDeps(r *http.Request) (interface{}, error) {
	accountID := mux.Vars(r)["accountId"]
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("accountId path parameter is required")
	}
	return registry.AccountStreamDeps{
		AccountID:    accountID,
		PaperTrading: parseBoolQuery(r.URL.Query().Get("paperTrading")),
	}, nil
}

// UserIDExtractor resolves the authenticated caller for a request.
// Authentication itself is an external collaborator (see spec.md's
// out-of-scope list): business routes are expected to authenticate the
// caller and attach the resolved user id before this handler ever
// runs. defaultUserIDExtractor reads it from a trusted header set by
// that upstream middleware.
type UserIDExtractor func(r *http.Request) (string, error)

const trustedUserIDHeader = "X-User-Id"

func defaultUserIDExtractor(r *http.Request) (string, error) {
	userID := r.Header.Get(trustedUserIDHeader)
	if userID == "" {
		return "", errors.New("missing authenticated user id")
	}
	return userID, nil
}

// StreamHandler resolves registry instances into http.HandlerFunc
// values. It holds no per-request state; one instance serves every
// route.
type StreamHandler struct {
	registry             *registry.Registry
	logger               *logging.Logger
	subscriberBufferSize int
	userIDFrom           UserIDExtractor
}

// NewStreamHandler builds a StreamHandler. subscriberBufferSize should
// match the multiplexer.Config the registry's instances were built
// with, since ResponseSink's channel is sized from the same budget.
func NewStreamHandler(reg *registry.Registry, subscriberBufferSize int, logger *logging.Logger) *StreamHandler {
	return &StreamHandler{
		registry:             reg,
		logger:               logger,
		subscriberBufferSize: subscriberBufferSize,
		userIDFrom:           defaultUserIDExtractor,
	}
}

// WithUserIDExtractor overrides how the caller's user id is resolved,
// for tests or for a gateway with a different auth boundary.
func (h *StreamHandler) WithUserIDExtractor(fn UserIDExtractor) *StreamHandler {
	h.userIDFrom = fn
	return h
}

// Handler returns the http.HandlerFunc for one route.
func (h *StreamHandler) Handler(route Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, route)
	}
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, route Route) {
	inst, ok := h.registry.Get(route.Instance)
	if !ok {
		h.writeError(w, &multiplexer.Error{Kind: multiplexer.KindBadRequest, Status: http.StatusNotFound, Message: "unknown stream"})
		return
	}

	userID, err := h.userIDFrom(r)
	if err != nil {
		h.writeError(w, &multiplexer.Error{Kind: multiplexer.KindUnauthorized, Status: http.StatusUnauthorized, Message: err.Error()})
		return
	}

	deps, err := route.BuildDeps(r)
	if err != nil {
		h.writeError(w, &multiplexer.Error{Kind: multiplexer.KindBadRequest, Status: http.StatusBadRequest, Message: err.Error()})
		return
	}

	sink, err := NewResponseSink(w, r, h.subscriberBufferSize)
	if err != nil {
		h.writeError(w, &multiplexer.Error{Kind: multiplexer.KindBadGateway, Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	var subErr *multiplexer.Error
	if route.Exclusive {
		subErr = inst.AddExclusiveSubscriber(r.Context(), userID, deps, sink)
	} else {
		subErr = inst.AddSubscriber(r.Context(), userID, deps, sink)
	}
	if subErr != nil {
		h.writeError(w, subErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sink.Start()
	sink.Wait()
}

func (h *StreamHandler) writeError(w http.ResponseWriter, muxErr *multiplexer.Error) {
	status := muxErr.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	logging.WriteJSONErrorDetails(w, h.logger, muxErr.Message, muxErr.Details, status, map[string]interface{}{
		"kind": string(muxErr.Kind),
	})
}
