// Package negotiate performs the bearer-authenticated handshake that trades
// a long-lived credential for a short-lived transport URL and token.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mailpulse/internal/logging"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
)

type Result struct {
	URL                 string                `json:"url"`
	AccessToken         string                `json:"accessToken"`
	AvailableTransports []TransportDescriptor `json:"availableTransports,omitempty"`
}

type TransportDescriptor struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats,omitempty"`
}

type Client struct {
	HTTP       *http.Client
	MaxRetries uint
	BaseDelay  time.Duration
	Logger     *logging.Logger
}

// Negotiate posts to the endpoint with the bearer token and returns the
// session transport parameters. Auth rejections fail immediately; anything
// else retries with deterministic exponential backoff until the budget is
// spent.
func (c *Client) Negotiate(ctx context.Context, endpoint string, bearer string) (Result, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(bearer) == "" {
		return Result{}, ErrMissingBearer
	}

	attempts := 0
	op := func() (Result, error) {
		attempts++
		result, err := c.attempt(ctx, endpoint, bearer)
		if err == nil {
			return result, nil
		}
		if IsAuthFailed(err) {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.baseDelay()
	retry.RandomizationFactor = 0
	retry.Multiplier = 2
	retry.MaxInterval = time.Minute

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(retry),
		backoff.WithMaxTries(c.maxRetries()),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.Logger.Debug("retrying negotiate",
				logging.Field("error", err),
				logging.Field("next_retry", next.String()),
			)
		}),
	)
	if err != nil {
		if IsAuthFailed(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, &ExhaustedError{Attempts: attempts, Err: err}
	}
	return result, nil
}

func (c *Client) attempt(ctx context.Context, endpoint string, bearer string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	c.Logger.Debugf("POST %s -> %s", endpoint, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.Logger.Warn("negotiate rejected", logging.Field("status", resp.Status))
		return Result{}, &AuthFailedError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if resp.StatusCode >= 400 {
		c.Logger.Warn("negotiate request failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return Result{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	result := Result{}
	if unmarshalErr := json.Unmarshal(data, &result); unmarshalErr != nil {
		return Result{}, fmt.Errorf("invalid negotiate response: %w", unmarshalErr)
	}
	if strings.TrimSpace(result.URL) == "" || strings.TrimSpace(result.AccessToken) == "" {
		return Result{}, errors.New("negotiate response missing url or accessToken")
	}

	c.Logger.Debug("negotiate succeeded",
		logging.Field("transport_url", result.URL),
		logging.Field("transport_token", logging.Redact(result.AccessToken)),
		logging.Field("transports", len(result.AvailableTransports)),
	)
	return result, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) maxRetries() uint {
	if c.MaxRetries == 0 {
		return defaultMaxRetries
	}
	return c.MaxRetries
}

func (c *Client) baseDelay() time.Duration {
	if c.BaseDelay <= 0 {
		return defaultBaseDelay
	}
	return c.BaseDelay
}

func validateEndpoint(endpoint string) error {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("negotiate endpoint is not an absolute URL: %q", endpoint)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return ErrInsecureEndpoint
	}
	return nil
}
