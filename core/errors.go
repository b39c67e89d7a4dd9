package core

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the machine-readable class of a failure
type Kind string

const (
	KindProtocolMismatch   Kind = "protocol_mismatch"
	KindIdentityMismatch   Kind = "identity_mismatch"
	KindSignatureInvalid   Kind = "signature_invalid"
	KindCertificateForged  Kind = "certificate_forged"
	KindDomainMismatch     Kind = "domain_mismatch"
	KindCertificateExpired Kind = "certificate_expired"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindCooldownActive     Kind = "cooldown_active"
	KindRateExceeded       Kind = "rate_exceeded"
	KindSyntheticTiming    Kind = "synthetic_timing"
	KindFundingFailed      Kind = "funding_failed"
	KindUpstreamFailure    Kind = "upstream_failure"
)

var (
	ErrProtocolMismatch   = &Error{Kind: KindProtocolMismatch, Message: "handshake message does not match the expected template"}
	ErrIdentityMismatch   = &Error{Kind: KindIdentityMismatch, Message: "recovered signer does not match the claimed identity"}
	ErrSignatureInvalid   = &Error{Kind: KindSignatureInvalid, Message: "invalid signature"}
	ErrCertificateForged  = &Error{Kind: KindCertificateForged, Message: "certificate signature does not match wallet"}
	ErrDomainMismatch     = &Error{Kind: KindDomainMismatch, Message: "certificate was issued for another domain"}
	ErrCertificateExpired = &Error{Kind: KindCertificateExpired, Message: "certificate has expired"}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "not authorized"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrCooldownActive     = &Error{Kind: KindCooldownActive, Message: "funding cooldown active"}
	ErrRateExceeded       = &Error{Kind: KindRateExceeded, Message: "funding rate exceeded"}
	ErrSyntheticTiming    = &Error{Kind: KindSyntheticTiming, Message: "event timing is too uniform"}
	ErrFundingFailed      = &Error{Kind: KindFundingFailed, Message: "funding failed"}
	ErrUpstreamFailure    = &Error{Kind: KindUpstreamFailure, Message: "upstream failure"}
)

// Error is a typed failure carrying a Kind plus a human readable message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, core.ErrForbidden) works
// for errors built with NewError as well as for the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an error of the given kind
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Upstream wraps a collaborator failure
func Upstream(op string, cause error) *Error {
	return &Error{Kind: KindUpstreamFailure, Message: op, Err: cause}
}

// KindOf returns the kind of err, or KindUpstreamFailure for untyped errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var c *CooldownError
	if errors.As(err, &c) {
		return KindCooldownActive
	}
	return KindUpstreamFailure
}

// CooldownError reports how long the caller has to wait before the next funding
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", KindCooldownActive, e.Wait.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}
