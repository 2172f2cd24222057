package token

import (
	"context"
	"errors"
	"time"

	"mailpulse/internal/logging"
)

// AccessTokenOptions is the request surface of the host token API.
type AccessTokenOptions struct {
	AllowPrompt       bool `json:"allowPrompt"`
	AllowConsent      bool `json:"allowConsent"`
	ForExtendedAccess bool `json:"forExtendedAccess"`
}

// HostTokenAPI is the delegated single-sign-on surface exposed by the mail
// host. It may prompt the user when the options allow it.
type HostTokenAPI interface {
	// Ready blocks until the host signals it can serve token requests.
	Ready(ctx context.Context) error
	GetAccessToken(ctx context.Context, opts AccessTokenOptions) (string, error)
}

// DelegatedSource acquires bearer tokens through the host's SSO surface.
// Expiry comes from the token's own claims; when those cannot be decoded a
// conservative fixed window applies instead of failing the flow.
type DelegatedSource struct {
	Host   HostTokenAPI
	Logger *logging.Logger
	Clock  func() time.Time
}

func (s *DelegatedSource) Name() string { return "delegated" }

func (s *DelegatedSource) Acquire(ctx context.Context, silent bool) (CachedToken, error) {
	if s.Host == nil {
		return CachedToken{}, &ConfigError{Message: "no host token API configured"}
	}
	if err := s.Host.Ready(ctx); err != nil {
		return CachedToken{}, &AuthError{Reason: ReasonAPIUnavailable, Message: "host not ready", Err: err}
	}

	opts := AccessTokenOptions{
		AllowPrompt:       !silent,
		AllowConsent:      !silent,
		ForExtendedAccess: true,
	}
	raw, err := s.Host.GetAccessToken(ctx, opts)
	if err != nil {
		return CachedToken{}, mapHostError(err)
	}
	if raw == "" {
		return CachedToken{}, &AuthError{Reason: ReasonInternal, Message: "host returned an empty token"}
	}

	now := s.clock()
	cached := CachedToken{Value: raw, AcquiredAt: now}

	claims, decodeErr := decodeIdentityClaims(raw)
	if decodeErr != nil {
		s.Logger.Warn("could not decode token claims, assuming short validity",
			logging.Field("error", decodeErr),
			logging.Field("fallback", fallbackValidity.String()),
		)
		cached.ExpiresAt = now.Add(fallbackValidity)
		return cached, nil
	}

	cached.ExpiresAt = claims.ExpiresAt
	s.Logger.Debug("delegated token decoded",
		logging.Field("account", claims.Account),
		logging.Field("expires_at", claims.ExpiresAt.Format(time.RFC3339)),
	)
	return cached, nil
}

func (s *DelegatedSource) clock() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func mapHostError(err error) error {
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		return err
	}
	return &AuthError{
		Reason:  reasonForHostCode(hostErr.Code),
		Message: hostErr.Message,
		Err:     hostErr,
	}
}
