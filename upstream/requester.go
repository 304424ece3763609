// Package upstream implements the Upstream Requester: it builds an
// upstream URL from a (path, query, paperTrading) triple, attaches a
// bearer token from the Token Provider, and opens a streaming GET,
// retrying exactly once after a token refresh on 401. Grounded on the
// teacher's internal/port/driven.AcestreamEngine +
// internal/adapter/driven.AcestreamHTTPClient: custom dialer/transport
// settings bounding the connect phase independently of the body, and
// per-outcome structured logging, generalized with bearer auth and a
// one-shot 401 retry, neither of which AceStream needed.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/patrickcook28/tradestation-server-sub000/auth"
	"github.com/patrickcook28/tradestation-server-sub000/circuitbreaker"
	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/metrics"
	"github.com/patrickcook28/tradestation-server-sub000/multiplexer"
)

const (
	// connectTimeout bounds how long establishing the upstream
	// connection and receiving headers may take.
	connectTimeout = 15 * time.Second

	liveBaseURL  = "https://api.tradestation.com"
	paperBaseURL = "https://sim-api.tradestation.com"
)

// Config controls the circuit breaker guarding first-open attempts for
// this instance's upstream endpoint family.
type Config struct {
	CBFailureThreshold int
	CBTimeout          time.Duration
	CBHalfOpenRequests int
}

// DefaultConfig returns breaker settings tuned for "trip fast on a
// categorically-down upstream, recover cautiously".
func DefaultConfig() Config {
	return Config{
		CBFailureThreshold: 5,
		CBTimeout:          30 * time.Second,
		CBHalfOpenRequests: 1,
	}
}

// Requester is the concrete Upstream Requester. One instance is
// constructed per registry instance (quotes, bars, ...) so each gets
// its own circuit breaker, matching the teacher's one-breaker-per-
// content-ID pattern generalized to one-breaker-per-instance (a single
// request is never retried, per spec, but a categorically failing
// upstream should fail fast for every subsequent user).
type Requester struct {
	name    string
	tokens  auth.Provider
	breaker circuitbreaker.CircuitBreaker
	logger  *logging.Logger

	// client carries no Client.Timeout: that field bounds the whole
	// request including reading the body, which would sever a
	// long-lived stream partway through. The connect phase is bounded
	// instead by the Transport's dial/TLS/response-header timeouts.
	client *http.Client
}

// New constructs a Requester for one instance name, guarded by its own
// circuit breaker.
func New(name string, tokens auth.Provider, cfg Config, logger *logging.Logger) *Requester {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: connectTimeout,
		IdleConnTimeout:       90 * time.Second,
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		Timeout:          cfg.CBTimeout,
		HalfOpenRequests: cfg.CBHalfOpenRequests,
		Logger:           logger,
		Key:              name,
	})

	return &Requester{
		name:    name,
		tokens:  tokens,
		breaker: breaker,
		logger:  logger,
		client:  &http.Client{Transport: transport},
	}
}

// baseURL selects the live or paper-trading host.
func baseURL(paperTrading bool) string {
	if paperTrading {
		return paperBaseURL
	}
	return liveBaseURL
}

type upstreamErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// OpenStream implements multiplexer.Requester.
func (r *Requester) OpenStream(ctx context.Context, userID string, req multiplexer.UpstreamRequest) (io.ReadCloser, multiplexer.CancelFunc, error) {
	var body io.ReadCloser
	var cancel multiplexer.CancelFunc

	err := r.breaker.Execute(func() error {
		b, c, oerr := r.attempt(ctx, userID, req, false)
		if oerr != nil {
			return oerr
		}
		body, cancel = b, c
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrHalfOpenLimitReached) {
			metrics.RecordUpstreamError(r.name, "circuit_open")
			return nil, nil, newMuxError(multiplexer.KindBadGateway, http.StatusBadGateway, "upstream circuit breaker open: "+err.Error())
		}
		var merr *multiplexer.Error
		if errors.As(err, &merr) {
			return nil, nil, merr
		}
		return nil, nil, newMuxError(multiplexer.KindBadGateway, http.StatusBadGateway, err.Error())
	}
	return body, cancel, nil
}

// attempt performs one upstream GET, retrying exactly once after a
// token refresh if the first try (retried==false) returns 401.
func (r *Requester) attempt(ctx context.Context, userID string, req multiplexer.UpstreamRequest, retried bool) (io.ReadCloser, multiplexer.CancelFunc, error) {
	tok, err := r.tokens.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, nil, newMuxError(multiplexer.KindNoCredentials, http.StatusNotFound, "no stored credentials")
		}
		return nil, nil, newMuxError(multiplexer.KindUnauthorized, http.StatusUnauthorized, err.Error())
	}

	u := baseURL(req.PaperTrading) + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	// reqCtx governs the request's own lifetime and is what cancel()
	// (returned to the multiplexer) actually cancels. It is watched
	// against the caller's ctx only until headers arrive: ctx here
	// typically carries the open-attempt safety timeout, which the
	// multiplexer cancels the moment doOpen returns success, long
	// before the stream is done being read. Once connect completes,
	// reqCtx stops listening to ctx so the stream survives past that
	// deadline until the multiplexer explicitly tears it down.
	reqCtx, reqCancel := context.WithCancel(context.Background())
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			reqCancel()
		case <-stopWatch:
		}
	}()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		close(stopWatch)
		reqCancel()
		return nil, nil, newMuxError(multiplexer.KindBadRequest, http.StatusBadRequest, err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := r.client.Do(httpReq)
	close(stopWatch)
	if err != nil {
		reqCancel()
		if isTimeoutError(ctx, err) {
			metrics.RecordUpstreamError(r.name, "timeout")
			return nil, nil, newMuxError(multiplexer.KindGatewayTimeout, http.StatusGatewayTimeout, "upstream connect timed out")
		}
		metrics.RecordUpstreamError(r.name, "network")
		return nil, nil, newMuxError(multiplexer.KindBadGateway, http.StatusBadGateway, "upstream connect failed: "+err.Error())
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		reqCancel()
		if retried {
			metrics.RecordUpstreamError(r.name, "unauthorized")
			return nil, nil, newMuxError(multiplexer.KindUnauthorized, http.StatusUnauthorized, "upstream rejected refreshed token")
		}
		if _, rerr := r.tokens.Refresh(ctx, userID); rerr != nil {
			metrics.RecordUpstreamError(r.name, "unauthorized")
			if errors.Is(rerr, auth.ErrTerminal) {
				return nil, nil, newMuxError(multiplexer.KindUnauthorized, http.StatusUnauthorized, "credential requires re-authorization")
			}
			return nil, nil, newMuxError(multiplexer.KindUnauthorized, http.StatusUnauthorized, rerr.Error())
		}
		return r.attempt(ctx, userID, req, true)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		defer reqCancel()
		limited := io.LimitReader(resp.Body, 1<<16)
		raw, _ := io.ReadAll(limited)
		var parsed upstreamErrorBody
		_ = json.Unmarshal(raw, &parsed)
		metrics.RecordUpstreamError(r.name, "status_"+fmt.Sprint(resp.StatusCode))
		msg := parsed.Message
		if msg == "" {
			msg = parsed.Error
		}
		if msg == "" {
			msg = string(raw)
		}
		return nil, nil, newMuxError(multiplexer.KindUpstreamStatus, resp.StatusCode, msg, raw)
	}

	body := resp.Body
	cancel := multiplexer.CancelFunc(func() {
		// Cancel the fetch before releasing the body, and defer the
		// close by one tick: abort is signaled before the body is
		// actually torn down, the same ordering the original's
		// kRunning/abort() dance enforces on its event loop.
		reqCancel()
		time.AfterFunc(0, func() {
			body.Close()
		})
	})

	r.logger.LogMuxEventVerbose(logging.EventUpstreamOpened, r.name, map[string]interface{}{"path": req.Path, "status": resp.StatusCode})

	return resp.Body, cancel, nil
}

func isTimeoutError(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func newMuxError(kind multiplexer.ErrorKind, status int, msg string, details ...interface{}) *multiplexer.Error {
	var d interface{}
	if len(details) > 0 {
		d = details[0]
	}
	return &multiplexer.Error{Kind: kind, Status: status, Message: msg, Details: d}
}
