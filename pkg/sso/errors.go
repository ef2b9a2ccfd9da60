package sso

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies authentication failures. Each kind maps to a session
// failure_reason label and an HTTP status.
type ErrorKind string

const (
	// KindConfiguration covers invalid or missing provider setup.
	KindConfiguration ErrorKind = "ConfigurationError"
	// KindProtocol covers malformed or unparseable handshake payloads.
	KindProtocol ErrorKind = "ProtocolError"
	// KindCredential covers bad LDAP/OAuth2 credentials.
	KindCredential ErrorKind = "CredentialError"
	// KindState covers CSRF/state mismatches and replayed or expired sessions.
	KindState ErrorKind = "StateError"
	// KindUpstream covers network or timeout failures talking to the IdP or
	// directory; callers may retry.
	KindUpstream ErrorKind = "UpstreamError"
	// KindResolution covers identities with no matching or provisionable user.
	KindResolution ErrorKind = "ResolutionError"
)

// Failure reason labels recorded on failed sessions.
const (
	ReasonInvalidResponse     = "InvalidResponse"
	ReasonStateMismatch       = "StateMismatch"
	ReasonSignatureInvalid    = "SignatureInvalid"
	ReasonUserNotFound        = "UserNotFound"
	ReasonInvalidCredentials  = "InvalidCredentials"
	ReasonUpstreamUnavailable = "UpstreamUnavailable"
	ReasonResolutionFailed    = "ResolutionFailed"
)

// AuthError is the error type returned by protocol handlers, the resolver
// and the session state machine.
type AuthError struct {
	Kind   ErrorKind
	Reason string // failure taxonomy label, recorded as session failure_reason
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// FailureReason renders the label plus detail stored on the session.
func (e *AuthError) FailureReason() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// HTTPStatus maps the error kind onto standard HTTP semantics.
func (e *AuthError) HTTPStatus() int {
	switch e.Kind {
	case KindConfiguration:
		return http.StatusBadRequest
	case KindProtocol, KindState:
		return http.StatusBadRequest
	case KindCredential:
		return http.StatusUnauthorized
	case KindUpstream:
		return http.StatusServiceUnavailable
	case KindResolution:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func newAuthError(kind ErrorKind, reason, detail string, err error) *AuthError {
	return &AuthError{Kind: kind, Reason: reason, Detail: detail, Err: err}
}

// ErrConfiguration builds a ConfigurationError.
func ErrConfiguration(detail string, err error) *AuthError {
	return newAuthError(KindConfiguration, string(KindConfiguration), detail, err)
}

// ErrInvalidResponse builds a ProtocolError for malformed payloads.
func ErrInvalidResponse(detail string, err error) *AuthError {
	return newAuthError(KindProtocol, ReasonInvalidResponse, detail, err)
}

// ErrStateMismatch builds a StateError for failed CSRF/state checks.
func ErrStateMismatch(detail string) *AuthError {
	return newAuthError(KindState, ReasonStateMismatch, detail, nil)
}

// ErrSignatureInvalid builds a ProtocolError for signature failures.
func ErrSignatureInvalid(detail string, err error) *AuthError {
	return newAuthError(KindProtocol, ReasonSignatureInvalid, detail, err)
}

// ErrUserNotFound builds a CredentialError for unknown directory users.
func ErrUserNotFound(detail string) *AuthError {
	return newAuthError(KindCredential, ReasonUserNotFound, detail, nil)
}

// ErrInvalidCredentials builds a CredentialError for rejected credentials.
func ErrInvalidCredentials(detail string) *AuthError {
	return newAuthError(KindCredential, ReasonInvalidCredentials, detail, nil)
}

// ErrUpstream builds an UpstreamError for network/IO failures.
func ErrUpstream(detail string, err error) *AuthError {
	return newAuthError(KindUpstream, ReasonUpstreamUnavailable, detail, err)
}

// ErrResolution builds a ResolutionError for unresolvable identities.
func ErrResolution(detail string) *AuthError {
	return newAuthError(KindResolution, ReasonResolutionFailed, detail, nil)
}

// AsAuthError extracts an *AuthError from err, wrapping unknown errors as
// upstream failures so every handshake error carries a taxonomy label.
func AsAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return ErrUpstream("unexpected error", err)
}

// Sentinel errors for lookups and state transitions.
var (
	ErrNotFound         = errors.New("not found")
	ErrSessionNotActive = errors.New("session is not active")
)
