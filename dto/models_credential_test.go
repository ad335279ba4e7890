package dto

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestTokenInfo_IsExpired_Golden(t *testing.T) {
	t.Parallel()

	const skew = 30 * time.Second
	now := time.Now()
	session := []*http.Cookie{{Name: "session", Value: "42"}}

	tests := []struct {
		name string
		tok  TokenInfo
		want bool
	}{
		{name: "zero value", tok: TokenInfo{}, want: true},
		{name: "session cookie without expiry", tok: TokenInfo{Cookies: session}, want: false},
		{name: "token without expiry", tok: TokenInfo{AccessToken: "t1"}, want: false},
		{name: "already lapsed", tok: TokenInfo{AccessToken: "t1", Expiry: now.Add(-time.Hour)}, want: true},
		{name: "inside skew window", tok: TokenInfo{AccessToken: "t1", Expiry: now.Add(skew / 3)}, want: true},
		{name: "outside skew window", tok: TokenInfo{AccessToken: "t1", Expiry: now.Add(4 * skew)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.tok.IsExpired(skew); got != tt.want {
				t.Fatalf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredential_Apply_Golden(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cred       *Credential
		wantAuth   string
		wantCookie string
		wantErr    error
	}{
		{
			name:     "basic",
			cred:     BasicCredential("user", "pass"),
			wantAuth: "Basic dXNlcjpwYXNz",
		},
		{
			name:     "static token normalizes type",
			cred:     TokenCredential(TokenInfo{AccessToken: "abc", TokenType: "bearer"}),
			wantAuth: "Bearer abc",
		},
		{
			name: "cookie session",
			cred: TokenCredential(TokenInfo{Cookies: []*http.Cookie{
				{Name: "a", Value: "b"},
				{Name: "c", Value: "d"},
			}}),
			wantCookie: "a=b; c=d",
		},
		{
			name: "expired static token",
			cred: TokenCredential(TokenInfo{
				AccessToken: "abc",
				Expiry:      time.Now().Add(-time.Minute),
			}),
			wantErr: ErrCredentialExpired,
		},
		{
			name: "oauth source takes precedence",
			cred: &Credential{
				Username: "ignored",
				Source: oauth2.StaticTokenSource(&oauth2.Token{
					AccessToken: "tok",
					TokenType:   "bearer",
				}),
			},
			wantAuth: "Bearer tok",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
			err := tt.cred.Apply(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply err: %v", err)
			}
			if got := req.Header.Get("Authorization"); got != tt.wantAuth {
				t.Fatalf("Authorization=%q want %q", got, tt.wantAuth)
			}
			if got := req.Header.Get("Cookie"); got != tt.wantCookie {
				t.Fatalf("Cookie=%q want %q", got, tt.wantCookie)
			}
		})
	}
}

func TestNormalizeAuthType(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "bearer", want: "Bearer"},
		{in: " basic ", want: "Basic"},
		{in: "BASIC", want: "Basic"},
		{in: "", want: "Bearer"},
		{in: "Token", want: "Token"},
	}
	for _, c := range cases {
		if got := NormalizeAuthType(c.in); got != c.want {
			t.Fatalf("NormalizeAuthType(%q) = %q; want %q", c.in, got, c.want)
		}
	}
}
