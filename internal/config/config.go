package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	BaseURL          string `long:"base-url" env:"MAILPULSE_BASE_URL" description:"Notification service base URL (e.g. https://notify.example.com)"`
	HubURL           string `long:"hub-url" env:"MAILPULSE_HUB_URL" description:"Connect directly to this hub URL, skipping the negotiate handshake"`
	HostBridgeURL    string `long:"host-bridge-url" env:"MAILPULSE_HOST_BRIDGE_URL" description:"Host bridge endpoint for delegated sign-in tokens"`
	TenantID         string `long:"tenant-id" env:"MAILPULSE_TENANT_ID" description:"Directory tenant for the client-credentials grant"`
	ClientID         string `long:"client-id" env:"MAILPULSE_CLIENT_ID" description:"Application client id"`
	ClientSecret     string `long:"client-secret" env:"MAILPULSE_CLIENT_SECRET" description:"Application client secret"`
	ClientSecretFile string `long:"client-secret-file" env:"MAILPULSE_CLIENT_SECRET_FILE" description:"File holding the client secret; watched for rotation"`
	Scope            string `long:"scope" env:"MAILPULSE_SCOPE" description:"OAuth scope for the client-credentials grant"`
	TokenURL         string `long:"token-url" env:"MAILPULSE_TOKEN_URL" description:"Override the OAuth token endpoint"`
	StaticToken      string `long:"static-token" env:"MAILPULSE_STATIC_TOKEN" description:"Fixed bearer token (lowest-priority fallback)"`
	AutoConnect      bool   `long:"auto-connect" env:"MAILPULSE_AUTO_CONNECT" description:"Connect on startup when configuration is complete"`
	Debug            bool   `long:"debug" env:"MAILPULSE_DEBUG" description:"Enable verbose debug output"`
}

type APIEndpoints struct {
	BaseURL      string
	NegotiateURL string
	HubURL       string
	TokenURL     string
}

const (
	negotiatePath       = "/api/notifications/negotiate"
	hubPath             = "/api/notifications/hub"
	defaultTokenURLTmpl = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ValidateRequired checks startup configuration. These failures indicate a
// deployment defect; nothing here is retried.
func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.BaseURL) == "" && strings.TrimSpace(opts.HubURL) == "" {
		return errors.New("set either base URL or hub URL")
	}
	if err := validateCredentialSet(opts); err != nil {
		return err
	}
	return nil
}

// validateCredentialSet enforces all-or-nothing on the client-credentials
// fields: a partial set would fail at the token endpoint with a confusing
// error instead of here.
func validateCredentialSet(opts Options) error {
	tenant := strings.TrimSpace(opts.TenantID)
	client := strings.TrimSpace(opts.ClientID)
	secret := strings.TrimSpace(opts.ClientSecret)
	secretFile := strings.TrimSpace(opts.ClientSecretFile)
	scope := strings.TrimSpace(opts.Scope)

	any := tenant != "" || client != "" || secret != "" || secretFile != "" || scope != ""
	if !any {
		return nil
	}
	if tenant == "" {
		return errors.New("client credentials require tenant id")
	}
	if client == "" {
		return errors.New("client credentials require client id")
	}
	if secret == "" && secretFile == "" {
		return errors.New("client credentials require a client secret or secret file")
	}
	if scope == "" {
		return errors.New("client credentials require a scope")
	}
	return nil
}

func BuildEndpoints(opts Options) (APIEndpoints, error) {
	endpoints := APIEndpoints{}

	if raw := strings.TrimSpace(opts.BaseURL); raw != "" {
		base, err := normalizeBaseURL(raw)
		if err != nil {
			return APIEndpoints{}, err
		}
		endpoints.BaseURL = base
		endpoints.NegotiateURL = base + negotiatePath
		endpoints.HubURL = base + hubPath
	}
	if hub := strings.TrimSpace(opts.HubURL); hub != "" {
		// Explicit hub URL means direct connect: no negotiate handshake.
		endpoints.HubURL = hub
		endpoints.NegotiateURL = ""
	}

	endpoints.TokenURL = strings.TrimSpace(opts.TokenURL)
	if endpoints.TokenURL == "" && strings.TrimSpace(opts.TenantID) != "" {
		endpoints.TokenURL = fmt.Sprintf(defaultTokenURLTmpl, strings.TrimSpace(opts.TenantID))
	}

	return endpoints, nil
}

func normalizeBaseURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("expected absolute URL like https://notify.example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return "", errors.New("base URL scheme must be http or https")
	}

	// Strip any pasted path/query down to the origin.
	parsed.Path = ""
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return strings.TrimRight(parsed.String(), "/"), nil
}
