package dto

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ExtraHeaders type is a comma seperated key=value string, usable as a flag value
type ExtraHeaders map[string]string

func (e ExtraHeaders) String() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// Set Value should be a comma seperated key=value string
func (e ExtraHeaders) Set(s string) error {
	for _, header := range strings.Split(s, ",") {
		if strings.TrimSpace(header) == "" {
			continue
		}
		k, v, ok := strings.Cut(header, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("malformed header pair %q", header)
		}
		e[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return nil
}

func (e ExtraHeaders) Type() string {
	return "ExtraHeaders"
}

// Apply sets every header not already present on h.
func (e ExtraHeaders) Apply(h http.Header) {
	for k, v := range e {
		if h.Get(k) == "" {
			h.Set(k, v)
		}
	}
}
