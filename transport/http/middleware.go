package http

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/service"
	"github.com/rs/zerolog/log"
)

const (
	// SessionCookie carries the MAC protected session token
	SessionCookie = "_session"
	// RivetAssertionHeader carries base64(JSON RivetSignedAssertion)
	RivetAssertionHeader = "X-Rivet-Assertion"

	upstreamKey = "rivetgate.upstream"
	identityKey = "rivetgate.identity"
)

// Identity returns the caller resolved by RequireAuth
func Identity(c *gin.Context) (*core.AuthenticatedContext, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	ac, ok := v.(*core.AuthenticatedContext)
	return ac, ok
}

// RivetAssertion verifies a delegated device assertion when one is present and
// attaches the delegating wallet as the upstream identity of the request
func RivetAssertion(delegation *service.DelegationService, domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(RivetAssertionHeader)
		if header == "" {
			c.Next()
			return
		}

		assertion, err := decodeAssertion(header)
		if err != nil {
			abortInvalid(c, "malformed rivet assertion")
			return
		}
		verdict, err := delegation.Verify(*assertion, domain)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(upstreamKey, &core.AuthenticatedContext{
			Address:       verdict.WalletAddress,
			Method:        core.AuthMethodSession,
			Authenticated: true,
			Permissions:   verdict.Permissions,
		})
		c.Next()
	}
}

// RequireAuth resolves the caller and rejects the request when nobody is
func RequireAuth(resolver *service.AuthResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := service.Credentials{Authorization: c.GetHeader("Authorization")}
		if v, ok := c.Get(upstreamKey); ok {
			creds.Upstream, _ = v.(*core.AuthenticatedContext)
		}
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			creds.SessionCookie = cookie
		}

		ac, err := resolver.Resolve(creds)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(identityKey, ac)
		c.Next()
	}
}

// RequestLogger logs every request with zerolog and records it in the HTTP metrics
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency)

		event := log.Debug()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}

func decodeAssertion(header string) (*core.RivetSignedAssertion, error) {
	header = strings.TrimSpace(header)
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(header); err != nil {
			return nil, err
		}
	}
	var a core.RivetSignedAssertion
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
