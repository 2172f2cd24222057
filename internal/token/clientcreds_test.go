package token

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

func staticSecret(secret string) func() (string, error) {
	return func() (string, error) { return secret, nil }
}

func TestClientCredentialsSource_Exchange(t *testing.T) {
	var gotForm url.Values
	var gotUser, gotPass string
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			data, _ := io.ReadAll(r.Body)
			gotForm, _ = url.ParseQuery(string(data))
			gotUser, gotPass, _ = r.BasicAuth()
			return jsonResponse(r, http.StatusOK,
				`{"access_token":"app-tok","token_type":"Bearer","expires_in":3600}`), nil
		}),
	}

	source := &ClientCredentialsSource{
		TokenURL: "https://login.example.test/tenant/token",
		ClientID: "client-1",
		Scope:    "https://graph.example.test/.default",
		Secret:   staticSecret("s3cr3t"),
		HTTP:     httpClient,
		Logger:   newTestLogger(),
	}

	cached, err := source.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cached.Value != "app-tok" {
		t.Fatalf("Value = %q, want %q", cached.Value, "app-tok")
	}
	if cached.ExpiresAt.IsZero() {
		t.Fatal("ExpiresAt not set from expires_in")
	}
	if gotForm.Get("grant_type") != "client_credentials" {
		t.Fatalf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("scope") != "https://graph.example.test/.default" {
		t.Fatalf("scope = %q", gotForm.Get("scope"))
	}
	if gotUser != "client-1" || gotPass != "s3cr3t" {
		t.Fatalf("basic auth = %q/%q", gotUser, gotPass)
	}
}

func TestClientCredentialsSource_InvalidClientIsAuthError(t *testing.T) {
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(r, http.StatusUnauthorized,
				`{"error":"invalid_client","error_description":"bad secret"}`), nil
		}),
	}
	source := &ClientCredentialsSource{
		TokenURL: "https://login.example.test/tenant/token",
		ClientID: "client-1",
		Scope:    "scope",
		Secret:   staticSecret("wrong"),
		HTTP:     httpClient,
		Logger:   newTestLogger(),
	}

	_, err := source.Acquire(context.Background(), true)
	if !IsAuthError(err) {
		t.Fatalf("Acquire() error = %v, want AuthError", err)
	}
}

func TestClientCredentialsSource_ServerErrorStaysTransient(t *testing.T) {
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(r, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`), nil
		}),
	}
	source := &ClientCredentialsSource{
		TokenURL: "https://login.example.test/tenant/token",
		ClientID: "client-1",
		Scope:    "scope",
		Secret:   staticSecret("s3cr3t"),
		HTTP:     httpClient,
		Logger:   newTestLogger(),
	}

	_, err := source.Acquire(context.Background(), true)
	if err == nil {
		t.Fatal("Acquire() expected error")
	}
	if IsAuthError(err) {
		t.Fatalf("Acquire() error = %v classified as terminal, want transient", err)
	}
}

func TestClientCredentialsSource_RequiresHTTPS(t *testing.T) {
	source := &ClientCredentialsSource{
		TokenURL: "http://login.example.test/tenant/token",
		ClientID: "client-1",
		Scope:    "scope",
		Secret:   staticSecret("s3cr3t"),
		Logger:   newTestLogger(),
	}
	_, err := source.Acquire(context.Background(), true)
	if !IsConfigError(err) {
		t.Fatalf("Acquire() error = %v, want ConfigError", err)
	}
}

func TestClientCredentialsSource_EmptySecretFailsFast(t *testing.T) {
	source := &ClientCredentialsSource{
		TokenURL: "https://login.example.test/tenant/token",
		ClientID: "client-1",
		Scope:    "scope",
		Secret:   staticSecret("   "),
		Logger:   newTestLogger(),
	}
	_, err := source.Acquire(context.Background(), true)
	if !IsConfigError(err) {
		t.Fatalf("Acquire() error = %v, want ConfigError", err)
	}
}
