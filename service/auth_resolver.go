package service

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/ports"
)

// BearerScheme prefixes the Authorization header carrying a signed assertion
const BearerScheme = "Bot "

// DefaultBearerMaxAge is the freshness window for bearer assertions
const DefaultBearerMaxAge = 5 * time.Minute

// bearerFutureSkew tolerates clients whose clocks run slightly ahead
const bearerFutureSkew = 30 * time.Second

// Credentials are the raw per-request inputs the resolver looks at
type Credentials struct {
	// Upstream is an identity already attached by the key exchange or rivet middleware
	Upstream      *core.AuthenticatedContext
	Authorization string
	SessionCookie string
}

// AuthResolver turns request credentials into one caller identity.
// It only reads; it never touches policy or session state.
type AuthResolver struct {
	tokenizer    ports.SessionTokenizer
	bearerMaxAge time.Duration
	now          func() time.Time
}

// NewAuthResolver creates a resolver. bearerMaxAge 0 disables the freshness check.
func NewAuthResolver(tokenizer ports.SessionTokenizer, bearerMaxAge time.Duration) *AuthResolver {
	return &AuthResolver{
		tokenizer:    tokenizer,
		bearerMaxAge: bearerMaxAge,
		now:          time.Now,
	}
}

// WithClock overrides the time source
func (r *AuthResolver) WithClock(now func() time.Time) *AuthResolver {
	r.now = now
	return r
}

// Resolve tries upstream context, then bearer assertion, then session cookie.
// The first strategy that applies decides the outcome.
func (r *AuthResolver) Resolve(creds Credentials) (*core.AuthenticatedContext, error) {
	if creds.Upstream != nil && creds.Upstream.Address != "" {
		ac := *creds.Upstream
		metrics.AuthResolution(string(ac.Method))
		return &ac, nil
	}

	if strings.HasPrefix(creds.Authorization, BearerScheme) {
		ac, err := r.resolveBearer(strings.TrimPrefix(creds.Authorization, BearerScheme))
		if err != nil {
			metrics.AuthResolution("none")
			return nil, err
		}
		metrics.AuthResolution(string(ac.Method))
		return ac, nil
	}

	if creds.SessionCookie != "" {
		session, err := r.tokenizer.TokenToSession(creds.SessionCookie)
		if err == nil {
			metrics.AuthResolution(string(core.AuthMethodCookie))
			return &core.AuthenticatedContext{
				Address:       session.RivetAddress,
				Method:        core.AuthMethodCookie,
				Authenticated: session.Authenticated,
			}, nil
		}
	}

	metrics.AuthResolution("none")
	return nil, core.ErrUnauthenticated
}

func (r *AuthResolver) resolveBearer(encoded string) (*core.AuthenticatedContext, error) {
	assertion, err := DecodeBearer(encoded)
	if err != nil {
		return nil, core.ErrSignatureInvalid
	}
	if !eth.VerifyText([]byte(assertion.Message), assertion.Signature, assertion.Address) {
		return nil, core.ErrSignatureInvalid
	}
	if r.bearerMaxAge > 0 {
		issued, ok := AssertionTimestamp(assertion.Message)
		if !ok {
			return nil, core.ErrSignatureInvalid
		}
		now := r.now()
		if issued.After(now.Add(bearerFutureSkew)) || now.Sub(issued) > r.bearerMaxAge {
			return nil, core.ErrSignatureInvalid
		}
	}

	address, _ := eth.ChecksumAddress(assertion.Address)
	return &core.AuthenticatedContext{
		Address:       address,
		Method:        core.AuthMethodBearer,
		Authenticated: true,
	}, nil
}

// EncodeBearer renders an assertion as the value following "Bot "
func EncodeBearer(a core.BearerAssertion) (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeBearer parses the base64 JSON assertion
func DecodeBearer(encoded string) (*core.BearerAssertion, error) {
	encoded = strings.TrimSpace(encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(encoded); err != nil {
			return nil, err
		}
	}
	var a core.BearerAssertion
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	if a.Address == "" || a.Signature == "" || a.Message == "" {
		return nil, core.ErrInvalidInput
	}
	return &a, nil
}

// AssertionTimestamp extracts the "Timestamp:" line of a signed message.
// Accepted values are RFC 3339 or unix time in seconds or milliseconds.
func AssertionTimestamp(message string) (time.Time, bool) {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 10 || !strings.EqualFold(line[:10], "timestamp:") {
			continue
		}
		value := strings.TrimSpace(line[10:])
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t, true
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}
