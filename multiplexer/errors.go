package multiplexer

// ErrorKind classifies a multiplexer failure the way the error
// taxonomy does: it is what callers compare against with errors.Is,
// independent of the human-readable Message.
type ErrorKind string

const (
	KindBadRequest         ErrorKind = "bad_request"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindNoCredentials      ErrorKind = "no_credentials"
	KindGatewayTimeout     ErrorKind = "gateway_timeout"
	KindBadGateway         ErrorKind = "bad_gateway"
	KindUpstreamStatus     ErrorKind = "upstream_status"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindConflict           ErrorKind = "conflict"
)

// Error is the structured error surfaced to HTTP callers for anything
// that happens before the first subscriber byte: BadRequest /
// Unauthorized / NoCredentials are client-side, GatewayTimeout /
// BadGateway / UpstreamStatus are upstream failures, ServiceUnavailable
// is local rate limiting, Conflict is a stale exclusive-switch race.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Details interface{}
}

func (e *Error) Error() string { return e.Message }

// Is compares by Kind only, so callers can match with errors.Is against
// the sentinels below regardless of Message/Details, which differ per
// occurrence.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, status int, msg string, details interface{}) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Details: details}
}

// Sentinels for errors.Is comparisons. Never returned directly — every
// call site builds a fresh *Error with newError so Message/Details can
// carry the specific failure.
var (
	ErrBadRequest         = &Error{Kind: KindBadRequest}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrNoCredentials      = &Error{Kind: KindNoCredentials}
	ErrGatewayTimeout     = &Error{Kind: KindGatewayTimeout}
	ErrBadGateway         = &Error{Kind: KindBadGateway}
	ErrUpstreamStatus     = &Error{Kind: KindUpstreamStatus}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrConflict           = &Error{Kind: KindConflict}
)
