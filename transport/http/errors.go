package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate/core"
	"github.com/rs/zerolog/log"
)

var statusByKind = map[core.Kind]int{
	core.KindProtocolMismatch:   http.StatusBadRequest,
	core.KindIdentityMismatch:   http.StatusUnauthorized,
	core.KindSignatureInvalid:   http.StatusUnauthorized,
	core.KindCertificateForged:  http.StatusUnauthorized,
	core.KindDomainMismatch:     http.StatusUnauthorized,
	core.KindCertificateExpired: http.StatusUnauthorized,
	core.KindUnauthenticated:    http.StatusUnauthorized,
	core.KindForbidden:          http.StatusForbidden,
	core.KindNotFound:           http.StatusNotFound,
	core.KindInvalidInput:       http.StatusBadRequest,
	core.KindCooldownActive:     http.StatusTooManyRequests,
	core.KindRateExceeded:       http.StatusTooManyRequests,
	core.KindSyntheticTiming:    http.StatusForbidden,
	core.KindFundingFailed:      http.StatusBadGateway,
	core.KindUpstreamFailure:    http.StatusBadGateway,
}

// Cryptographic failures answer with the kind only
var opaqueKinds = map[core.Kind]bool{
	core.KindIdentityMismatch:   true,
	core.KindSignatureInvalid:   true,
	core.KindCertificateForged:  true,
	core.KindDomainMismatch:     true,
	core.KindCertificateExpired: true,
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind core.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// abortWithError renders err as {"error": kind, "message": text} and stops the chain
func abortWithError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	status := StatusFor(kind)

	body := gin.H{"error": kind}
	var typed *core.Error
	switch {
	case opaqueKinds[kind]:
	case kind == core.KindUpstreamFailure:
		// upstream details stay in the log
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed upstream")
		body["message"] = "the ledger could not complete the operation"
	case errors.As(err, &typed):
		if kind == core.KindFundingFailed {
			log.Error().Err(err).Str("path", c.FullPath()).Msg("funding failed")
		}
		body["message"] = typed.Message
	default:
		body["message"] = err.Error()
	}

	var cooldown *core.CooldownError
	if errors.As(err, &cooldown) {
		wait := int(math.Ceil(cooldown.Wait.Seconds()))
		c.Header("Retry-After", strconv.Itoa(wait))
		body["retryAfter"] = wait
		body["message"] = "funding cooldown active"
	}

	c.AbortWithStatusJSON(status, body)
}

func abortInvalid(c *gin.Context, msg string) {
	abortWithError(c, core.NewError(core.KindInvalidInput, msg, nil))
}
