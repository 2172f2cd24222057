package token

import (
	"errors"
	"fmt"
)

// AuthReason categorizes authentication failures for user-facing handling.
// Errors carrying a reason are terminal: retrying with the same credential
// state cannot succeed.
type AuthReason string

const (
	ReasonNotSignedIn          AuthReason = "not_signed_in"
	ReasonConsentAborted       AuthReason = "consent_aborted"
	ReasonAdminConsentRequired AuthReason = "admin_consent_required"
	ReasonAPIUnavailable       AuthReason = "api_unavailable"
	ReasonInvalidCredentials   AuthReason = "invalid_credentials"
	ReasonInternal             AuthReason = "internal_error"
)

type AuthError struct {
	Reason  AuthReason
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "authentication failed"
	}
	if e.Message != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConfigError reports a deployment defect: missing or insecure token
// configuration. Never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	if e == nil || e.Message == "" {
		return "invalid token configuration"
	}
	return "invalid token configuration: " + e.Message
}

func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// HostError is the numeric failure surface of the host token API.
type HostError struct {
	Code    int
	Message string
}

func (e *HostError) Error() string {
	if e == nil {
		return "host token request failed"
	}
	if e.Message != "" {
		return fmt.Sprintf("host token error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("host token error %d", e.Code)
}

// Host API error codes. The host defines these numerically; the agent maps
// them onto AuthReason categories.
const (
	HostCodeNotSignedIn    = 13001
	HostCodeConsentAborted = 13002
	HostCodeInternalError  = 13006
	HostCodeAPIUnavailable = 13012
	HostCodeAdminConsent   = 13013
)

func reasonForHostCode(code int) AuthReason {
	switch code {
	case HostCodeNotSignedIn:
		return ReasonNotSignedIn
	case HostCodeConsentAborted:
		return ReasonConsentAborted
	case HostCodeAdminConsent:
		return ReasonAdminConsentRequired
	case HostCodeAPIUnavailable:
		return ReasonAPIUnavailable
	default:
		return ReasonInternal
	}
}
