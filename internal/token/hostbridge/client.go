// Package hostbridge talks to the local host bridge that fronts the mail
// host's delegated sign-on API. It implements token.HostTokenAPI over HTTP.
package hostbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mailpulse/internal/logging"
	"mailpulse/internal/token"
)

type Client struct {
	HTTP   *http.Client
	URL    string
	Logger *logging.Logger
}

type bridgeErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bridgeTokenBody struct {
	Token string `json:"token"`
}

// Ready probes the bridge's readiness endpoint. The host serves token
// requests only after it reports ready.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("host bridge not ready: %s", resp.Status)
	}
	return nil
}

func (c *Client) GetAccessToken(ctx context.Context, opts token.AccessTokenOptions) (string, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	c.Logger.Debug("requesting delegated token from host bridge",
		logging.Field("url", c.URL),
		logging.Field("allow_prompt", opts.AllowPrompt),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	c.Logger.Debugf("POST %s/token -> %s", c.URL, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		bridgeErr := bridgeErrorBody{}
		if unmarshalErr := json.Unmarshal(data, &bridgeErr); unmarshalErr == nil && bridgeErr.Code != 0 {
			return "", &token.HostError{Code: bridgeErr.Code, Message: bridgeErr.Message}
		}
		c.Logger.Warn("host bridge rejected token request",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return "", fmt.Errorf("host bridge token request failed: %s", resp.Status)
	}

	parsed := bridgeTokenBody{}
	if unmarshalErr := json.Unmarshal(data, &parsed); unmarshalErr != nil {
		return "", fmt.Errorf("invalid host bridge response: %w", unmarshalErr)
	}
	if strings.TrimSpace(parsed.Token) == "" {
		return "", &token.HostError{Code: token.HostCodeInternalError, Message: "bridge returned no token"}
	}
	return parsed.Token, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
