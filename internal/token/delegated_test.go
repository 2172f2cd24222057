package token

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHost struct {
	readyErr error
	token    string
	tokenErr error
	gotOpts  AccessTokenOptions
}

func (h *fakeHost) Ready(context.Context) error { return h.readyErr }

func (h *fakeHost) GetAccessToken(_ context.Context, opts AccessTokenOptions) (string, error) {
	h.gotOpts = opts
	if h.tokenErr != nil {
		return "", h.tokenErr
	}
	return h.token, nil
}

func TestDelegatedSource_SilentNeverPrompts(t *testing.T) {
	host := &fakeHost{token: makeUnsignedJWT(t, map[string]any{
		"exp": time.Now().Add(time.Hour).Unix(),
	})}
	source := &DelegatedSource{Host: host, Logger: newTestLogger()}

	if _, err := source.Acquire(context.Background(), true); err != nil {
		t.Fatalf("Acquire(silent) error = %v", err)
	}
	if host.gotOpts.AllowPrompt || host.gotOpts.AllowConsent {
		t.Fatalf("silent acquisition sent prompt options: %+v", host.gotOpts)
	}
	if !host.gotOpts.ForExtendedAccess {
		t.Fatal("ForExtendedAccess not requested")
	}

	if _, err := source.Acquire(context.Background(), false); err != nil {
		t.Fatalf("Acquire(interactive) error = %v", err)
	}
	if !host.gotOpts.AllowPrompt || !host.gotOpts.AllowConsent {
		t.Fatalf("interactive acquisition disallowed prompting: %+v", host.gotOpts)
	}
}

func TestDelegatedSource_ExpiryFromClaims(t *testing.T) {
	expiry := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	host := &fakeHost{token: makeUnsignedJWT(t, map[string]any{"exp": expiry.Unix()})}
	source := &DelegatedSource{Host: host, Logger: newTestLogger()}

	cached, err := source.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !cached.ExpiresAt.Equal(expiry) {
		t.Fatalf("ExpiresAt = %v, want %v", cached.ExpiresAt, expiry)
	}
}

func TestDelegatedSource_OpaqueTokenGetsFallbackValidity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	host := &fakeHost{token: "opaque-token-value"}
	source := &DelegatedSource{
		Host:   host,
		Logger: newTestLogger(),
		Clock:  func() time.Time { return now },
	}

	cached, err := source.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cached.Value != "opaque-token-value" {
		t.Fatalf("Value = %q", cached.Value)
	}
	if want := now.Add(fallbackValidity); !cached.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want fallback %v", cached.ExpiresAt, want)
	}
}

func TestDelegatedSource_HostErrorMapsToAuthReason(t *testing.T) {
	cases := []struct {
		code int
		want AuthReason
	}{
		{HostCodeNotSignedIn, ReasonNotSignedIn},
		{HostCodeConsentAborted, ReasonConsentAborted},
		{HostCodeAdminConsent, ReasonAdminConsentRequired},
		{HostCodeAPIUnavailable, ReasonAPIUnavailable},
		{HostCodeInternalError, ReasonInternal},
		{99999, ReasonInternal},
	}
	for _, tc := range cases {
		host := &fakeHost{tokenErr: &HostError{Code: tc.code, Message: "nope"}}
		source := &DelegatedSource{Host: host, Logger: newTestLogger()}

		_, err := source.Acquire(context.Background(), true)
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("code %d: error = %v, want AuthError", tc.code, err)
		}
		if authErr.Reason != tc.want {
			t.Fatalf("code %d: Reason = %q, want %q", tc.code, authErr.Reason, tc.want)
		}
	}
}

func TestDelegatedSource_HostNotReady(t *testing.T) {
	host := &fakeHost{readyErr: errors.New("still booting")}
	source := &DelegatedSource{Host: host, Logger: newTestLogger()}

	_, err := source.Acquire(context.Background(), true)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonAPIUnavailable {
		t.Fatalf("Acquire() error = %v, want api_unavailable AuthError", err)
	}
}
