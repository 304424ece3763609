package registry

import (
	"context"
	"io"
	"testing"

	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/multiplexer"
)

func TestNormalizeSymbolsDedupesCaseAndOrder(t *testing.T) {
	got := normalizeSymbols([]string{"msft", "AAPL", "aapl", " TSLA "})
	want := []string{"AAPL", "MSFT", "TSLA"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQuotesMakeKeyIgnoresOrderAndCase(t *testing.T) {
	k1 := quotesMakeKey("user-1", QuotesDeps{Symbols: []string{"AAPL", "MSFT"}})
	k2 := quotesMakeKey("user-1", QuotesDeps{Symbols: []string{"msft", "aapl"}})
	if k1 != k2 {
		t.Fatalf("expected equal keys, got %q vs %q", k1, k2)
	}
}

func TestQuotesBuildRequestRejectsEmptySymbolList(t *testing.T) {
	_, err := quotesBuildRequest("user-1", QuotesDeps{})
	if err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}

func TestQuotesBuildRequestPath(t *testing.T) {
	req, err := quotesBuildRequest("user-1", QuotesDeps{Symbols: []string{"msft", "aapl"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Path != "/marketdata/stream/quotes/AAPL,MSFT" {
		t.Fatalf("unexpected path: %q", req.Path)
	}
}

func TestBarsMakeKeyDistinguishesInterval(t *testing.T) {
	base := BarsDeps{Ticker: "AAPL", Interval: 5, Unit: "Minute", BarsBack: 10, SessionTemplate: "Default"}
	k1 := barsMakeKey("user-1", base)
	other := base
	other.Interval = 1
	k2 := barsMakeKey("user-1", other)
	if k1 == k2 {
		t.Fatal("expected different keys for different intervals")
	}
}

func TestMarketDepthBuildRequestDefaultsMaxLevels(t *testing.T) {
	req, err := marketDepthBuildRequest("user-1", MarketDepthDeps{Ticker: "AAPL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := req.Query.Get("maxlevels"); got != "50" {
		t.Fatalf("expected default maxlevels=50, got %q", got)
	}
}

func TestMarketDepthBuildRequestHonorsExplicitMaxLevels(t *testing.T) {
	req, err := marketDepthBuildRequest("user-1", MarketDepthDeps{Ticker: "AAPL", MaxLevels: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := req.Query.Get("maxlevels"); got != "10" {
		t.Fatalf("expected maxlevels=10, got %q", got)
	}
}

func TestPositionsAndOrdersBuildRequestShareAccountButDifferentPaths(t *testing.T) {
	deps := AccountStreamDeps{AccountID: "ACC1"}
	posReq, err := positionsBuildRequest("user-1", deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ordReq, err := ordersBuildRequest("user-1", deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if posReq.Path == ordReq.Path {
		t.Fatalf("expected distinct paths, both got %q", posReq.Path)
	}
	k1 := accountStreamMakeKey("user-1", deps)
	k2 := accountStreamMakeKey("user-1", deps)
	if k1 != k2 {
		t.Fatal("expected identical keys for identical account deps (positions and orders share a key shape)")
	}
}

func TestAccountStreamBuildRequestRejectsEmptyAccountID(t *testing.T) {
	if _, err := positionsBuildRequest("user-1", AccountStreamDeps{}); err == nil {
		t.Fatal("expected error for empty account id")
	}
	if _, err := ordersBuildRequest("user-1", AccountStreamDeps{}); err == nil {
		t.Fatal("expected error for empty account id")
	}
}

type nullRequester struct{}

func (nullRequester) OpenStream(ctx context.Context, userID string, req multiplexer.UpstreamRequest) (io.ReadCloser, multiplexer.CancelFunc, error) {
	return nil, nil, multiplexer.ErrBadGateway
}

func TestRegistryGetReturnsConfiguredInstances(t *testing.T) {
	logger := logging.NewWithWriter(logging.ERROR, "test", io.Discard)
	instances := map[string]*multiplexer.Multiplexer{}
	for _, spec := range defaultSpecs() {
		instances[spec.name] = multiplexer.New(multiplexer.InstanceConfig{
			Name:         spec.name,
			Exclusive:    spec.exclusive,
			MakeKey:      spec.makeKey,
			BuildRequest: spec.buildRequest,
		}, nullRequester{}, multiplexer.DefaultConfig(), logger)
	}
	reg := New(instances, logger)
	defer reg.Close()

	for _, name := range []string{InstanceQuotes, InstanceBars, InstanceMarketDepth, InstancePositions, InstanceOrders} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("expected instance %q to be registered", name)
		}
	}
	if _, ok := reg.Get("nonexistent"); ok {
		t.Fatal("expected lookup of unknown instance to fail")
	}
}

func TestRegistryReportMetricsWithIdleInstances(t *testing.T) {
	logger := logging.NewWithWriter(logging.ERROR, "test", io.Discard)
	instances := map[string]*multiplexer.Multiplexer{
		"a": multiplexer.New(multiplexer.InstanceConfig{Name: "a", MakeKey: quotesMakeKey, BuildRequest: quotesBuildRequest}, nullRequester{}, multiplexer.DefaultConfig(), logger),
		"b": multiplexer.New(multiplexer.InstanceConfig{Name: "b", MakeKey: quotesMakeKey, BuildRequest: quotesBuildRequest}, nullRequester{}, multiplexer.DefaultConfig(), logger),
	}
	reg := New(instances, logger)
	defer reg.Close()

	// reportMetrics must not panic with no live connections; Counts()
	// sums to zero across both instances.
	reg.reportMetrics()
}
