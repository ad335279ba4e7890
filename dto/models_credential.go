package dto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrCredentialExpired = errors.New("credential expired")

// TokenInfo represents a static credential or session.
// It supports both header-based tokens and cookie-based sessions.
type TokenInfo struct {
	// Authorization token, e.g. "abc123" with TokenType "Bearer"
	AccessToken string
	// TokenType is inferred if not provided (default "Bearer").
	TokenType string
	// Expiry time. Optional, empty for cookie-only sessions.
	Expiry  time.Time
	Cookies []*http.Cookie
}

// IsExpired returns true if the token is close to or past expiry.
func (t *TokenInfo) IsExpired(buffer time.Duration) bool {
	if t.AccessToken == "" && len(t.Cookies) == 0 {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().After(t.Expiry.Add(-buffer))
}

// Credential satisfies authentication challenges without caller involvement.
// Exactly one of the three forms is expected; OAuth2 takes precedence, then
// the static token, then user and password.
type Credential struct {
	Username string
	Password string
	Token    *TokenInfo
	Source   oauth2.TokenSource
	// RefreshBuffer treats static tokens as expired this long before Expiry
	RefreshBuffer time.Duration
}

func BasicCredential(username, password string) *Credential {
	return &Credential{Username: username, Password: password}
}

func TokenCredential(token TokenInfo) *Credential {
	return &Credential{Token: &token, RefreshBuffer: 30 * time.Second}
}

func OAuthCredential(source oauth2.TokenSource) *Credential {
	return &Credential{Source: source}
}

// Apply attaches the credential to req.
func (c *Credential) Apply(req *http.Request) error {
	switch {
	case c.Source != nil:
		tok, err := c.Source.Token()
		if err != nil {
			return fmt.Errorf("oauth2 token fetch: %w", err)
		}
		req.Header.Set("Authorization", NormalizeAuthType(tok.Type())+" "+tok.AccessToken)
		return nil

	case c.Token != nil:
		if c.Token.IsExpired(c.RefreshBuffer) {
			return ErrCredentialExpired
		}
		if c.Token.AccessToken != "" {
			req.Header.Set("Authorization", NormalizeAuthType(c.Token.TokenType)+" "+c.Token.AccessToken)
			return nil
		}
		merged := make([]string, 0, len(c.Token.Cookies))
		for _, ck := range c.Token.Cookies {
			merged = append(merged, ck.Name+"="+ck.Value)
		}
		req.Header.Set("Cookie", strings.Join(merged, "; "))
		return nil

	case c.Username != "":
		raw := c.Username + ":" + c.Password
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
		return nil

	default:
		return errors.New("empty credential")
	}
}

// NormalizeAuthType ensures proper "Bearer", "Basic", or custom capitalization.
func NormalizeAuthType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "bearer":
		return "Bearer"
	case "basic":
		return "Basic"
	default:
		if t == "" {
			return "Bearer"
		}
		return t
	}
}
