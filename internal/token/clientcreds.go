package token

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"mailpulse/internal/logging"
)

// ClientCredentialsSource performs the OAuth2 client-credentials exchange
// against the tenant token endpoint. The secret is read through a callback
// so on-disk rotation takes effect on the next acquisition.
type ClientCredentialsSource struct {
	TokenURL string
	ClientID string
	Scope    string
	Secret   func() (string, error)
	HTTP     *http.Client
	Logger   *logging.Logger
	Clock    func() time.Time
}

func (s *ClientCredentialsSource) Name() string { return "client-credentials" }

func (s *ClientCredentialsSource) Acquire(ctx context.Context, _ bool) (CachedToken, error) {
	if err := s.validate(); err != nil {
		return CachedToken{}, err
	}
	secret, err := s.Secret()
	if err != nil {
		return CachedToken{}, &ConfigError{Message: "client secret unavailable: " + err.Error()}
	}
	if strings.TrimSpace(secret) == "" {
		return CachedToken{}, &ConfigError{Message: "client secret is empty"}
	}

	conf := &clientcredentials.Config{
		ClientID:     s.ClientID,
		ClientSecret: secret,
		TokenURL:     s.TokenURL,
		Scopes:       []string{s.Scope},
	}
	if s.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTP)
	}

	tok, err := conf.Token(ctx)
	if err != nil {
		return CachedToken{}, mapExchangeError(err)
	}

	now := s.clock()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		// Endpoint omitted expires_in; assume the conservative window.
		expiresAt = now.Add(fallbackValidity)
	}
	s.Logger.Debug("client-credentials exchange succeeded",
		logging.Field("token", logging.Redact(tok.AccessToken)),
		logging.Field("expires_at", expiresAt.Format(time.RFC3339)),
	)
	return CachedToken{Value: tok.AccessToken, ExpiresAt: expiresAt, AcquiredAt: now}, nil
}

func (s *ClientCredentialsSource) validate() error {
	if strings.TrimSpace(s.ClientID) == "" {
		return &ConfigError{Message: "missing client id"}
	}
	if s.Secret == nil {
		return &ConfigError{Message: "missing client secret"}
	}
	if strings.TrimSpace(s.Scope) == "" {
		return &ConfigError{Message: "missing scope"}
	}
	endpoint := strings.TrimSpace(s.TokenURL)
	if endpoint == "" {
		return &ConfigError{Message: "missing token endpoint"}
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return &ConfigError{Message: "token endpoint is not an absolute URL"}
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return &ConfigError{Message: "token endpoint must use https"}
	}
	return nil
}

func (s *ClientCredentialsSource) clock() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// mapExchangeError classifies token-endpoint failures: credential-class
// rejections become terminal AuthErrors, everything else stays transient.
func mapExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return err
	}
	switch retrieveErr.ErrorCode {
	case "invalid_client", "unauthorized_client", "invalid_grant", "access_denied":
		return &AuthError{Reason: ReasonInvalidCredentials, Message: retrieveErr.ErrorDescription, Err: err}
	}
	if retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Reason: ReasonInvalidCredentials, Message: retrieveErr.ErrorDescription, Err: err}
		}
	}
	return err
}
