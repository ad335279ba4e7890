package dto

import (
	"net/http"
	"strings"
)

// ChallengeDisposition is the answer to an authentication challenge.
type ChallengeDisposition int

const (
	// ChallengeUseCredential retry with the supplied credential
	ChallengeUseCredential ChallengeDisposition = iota
	// ChallengePerformDefaultHandling let the transport deliver the challenge response as is
	ChallengePerformDefaultHandling
	// ChallengeCancel abort the task with ErrAuthenticationFailed
	ChallengeCancel
	// ChallengeRejectProtectionSpace skip this scheme, the transport treats it like default handling
	ChallengeRejectProtectionSpace
)

// Challenge describes a 401/407 response the transport needs a decision for.
type Challenge struct {
	Scheme string
	Realm  string
	Host   string
	Proxy  bool
	// PreviousFailureCount counts credentials already rejected for this task
	PreviousFailureCount int
	Response             *http.Response
}

// ParseChallenge extracts scheme and realm from the first WWW-Authenticate (or
// Proxy-Authenticate) header of resp. It returns nil if none is present.
func ParseChallenge(resp *http.Response, failures int) *Challenge {
	header := "WWW-Authenticate"
	proxy := resp.StatusCode == http.StatusProxyAuthRequired
	if proxy {
		header = "Proxy-Authenticate"
	}
	raw := resp.Header.Get(header)
	if raw == "" {
		return nil
	}

	ch := &Challenge{
		Proxy:                proxy,
		PreviousFailureCount: failures,
		Response:             resp,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		ch.Host = resp.Request.URL.Host
	}

	scheme, params, _ := strings.Cut(strings.TrimSpace(raw), " ")
	ch.Scheme = scheme
	for _, param := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "realm") {
			ch.Realm = strings.Trim(v, `"`)
		}
	}
	return ch
}
