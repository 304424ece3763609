package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/patrickcook28/tradestation-server-sub000/multiplexer"
)

// QuotesDeps parameterizes the quotes instance: a symbol list and
// whether to hit the paper-trading host.
type QuotesDeps struct {
	Symbols      []string
	PaperTrading bool
}

// BarsDeps parameterizes the (exclusive) bars instance.
type BarsDeps struct {
	Ticker          string
	Interval        int
	Unit            string
	BarsBack        int
	SessionTemplate string
	PaperTrading    bool
}

// MarketDepthDeps parameterizes the market-depth instance.
type MarketDepthDeps struct {
	Ticker       string
	MaxLevels    int
	PaperTrading bool
}

// AccountStreamDeps parameterizes the positions and orders instances,
// which share the same (account, trading-mode) identity.
type AccountStreamDeps struct {
	AccountID    string
	PaperTrading bool
}

// normalizeSymbols upper-cases, dedupes and sorts a symbol list so
// that subscribers requesting the same set in any order or case share
// one upstream connection, per spec.md §4.4.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func paperSuffix(p bool) string {
	if p {
		return "paper"
	}
	return "live"
}

func quotesMakeKey(userID string, deps interface{}) multiplexer.Key {
	d := deps.(QuotesDeps)
	syms := normalizeSymbols(d.Symbols)
	return multiplexer.Key(fmt.Sprintf("%s|%s|%s", userID, strings.Join(syms, ","), paperSuffix(d.PaperTrading)))
}

func quotesBuildRequest(_ string, deps interface{}) (multiplexer.UpstreamRequest, error) {
	d := deps.(QuotesDeps)
	syms := normalizeSymbols(d.Symbols)
	if len(syms) == 0 {
		return multiplexer.UpstreamRequest{}, fmt.Errorf("at least one symbol is required")
	}
	return multiplexer.UpstreamRequest{
		Path:         "/marketdata/stream/quotes/" + strings.Join(syms, ","),
		PaperTrading: d.PaperTrading,
	}, nil
}

func barsMakeKey(userID string, deps interface{}) multiplexer.Key {
	d := deps.(BarsDeps)
	return multiplexer.Key(fmt.Sprintf("%s|%s|%d|%s|%d|%s|%s",
		userID, strings.ToUpper(d.Ticker), d.Interval, d.Unit, d.BarsBack, d.SessionTemplate, paperSuffix(d.PaperTrading)))
}

func barsBuildRequest(_ string, deps interface{}) (multiplexer.UpstreamRequest, error) {
	d := deps.(BarsDeps)
	ticker := strings.ToUpper(strings.TrimSpace(d.Ticker))
	if ticker == "" {
		return multiplexer.UpstreamRequest{}, fmt.Errorf("ticker is required")
	}
	q := url.Values{}
	if d.Interval > 0 {
		q.Set("interval", strconv.Itoa(d.Interval))
	}
	if d.Unit != "" {
		q.Set("unit", d.Unit)
	}
	if d.BarsBack > 0 {
		q.Set("barsback", strconv.Itoa(d.BarsBack))
	}
	if d.SessionTemplate != "" {
		q.Set("sessiontemplate", d.SessionTemplate)
	}
	return multiplexer.UpstreamRequest{
		Path:         "/marketdata/stream/barcharts/" + ticker,
		Query:        q,
		PaperTrading: d.PaperTrading,
	}, nil
}

// defaultMarketDepthLevels is the depth-aggregate default per
// spec.md §4.4 when a caller doesn't specify one.
const defaultMarketDepthLevels = 50

func marketDepthMakeKey(userID string, deps interface{}) multiplexer.Key {
	d := deps.(MarketDepthDeps)
	levels := d.MaxLevels
	if levels <= 0 {
		levels = defaultMarketDepthLevels
	}
	return multiplexer.Key(fmt.Sprintf("%s|%s|%d|%s", userID, strings.ToUpper(d.Ticker), levels, paperSuffix(d.PaperTrading)))
}

func marketDepthBuildRequest(_ string, deps interface{}) (multiplexer.UpstreamRequest, error) {
	d := deps.(MarketDepthDeps)
	ticker := strings.ToUpper(strings.TrimSpace(d.Ticker))
	if ticker == "" {
		return multiplexer.UpstreamRequest{}, fmt.Errorf("ticker is required")
	}
	levels := d.MaxLevels
	if levels <= 0 {
		levels = defaultMarketDepthLevels
	}
	q := url.Values{}
	q.Set("maxlevels", strconv.Itoa(levels))
	return multiplexer.UpstreamRequest{
		Path:         "/marketdata/stream/marketdepth/aggregates/" + ticker,
		Query:        q,
		PaperTrading: d.PaperTrading,
	}, nil
}

func accountStreamMakeKey(userID string, deps interface{}) multiplexer.Key {
	d := deps.(AccountStreamDeps)
	return multiplexer.Key(fmt.Sprintf("%s|%s|%s", userID, d.AccountID, paperSuffix(d.PaperTrading)))
}

func positionsBuildRequest(_ string, deps interface{}) (multiplexer.UpstreamRequest, error) {
	d := deps.(AccountStreamDeps)
	if d.AccountID == "" {
		return multiplexer.UpstreamRequest{}, fmt.Errorf("accountId is required")
	}
	return multiplexer.UpstreamRequest{
		Path:         "/brokerage/stream/accounts/" + d.AccountID + "/positions",
		PaperTrading: d.PaperTrading,
	}, nil
}

func ordersBuildRequest(_ string, deps interface{}) (multiplexer.UpstreamRequest, error) {
	d := deps.(AccountStreamDeps)
	if d.AccountID == "" {
		return multiplexer.UpstreamRequest{}, fmt.Errorf("accountId is required")
	}
	return multiplexer.UpstreamRequest{
		Path:         "/brokerage/stream/accounts/" + d.AccountID + "/orders",
		PaperTrading: d.PaperTrading,
	}, nil
}
