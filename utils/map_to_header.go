package utils

import (
	"net/http"
	"strings"
)

// MetadataHeaderPrefix is the header prefix object-store user metadata is exposed under.
const MetadataHeaderPrefix = "X-Amz-Meta-"

// MapToHeader converts object metadata into response headers, prefixing keys
// that are not already full header names.
func MapToHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		if !strings.HasPrefix(http.CanonicalHeaderKey(k), MetadataHeaderPrefix) {
			k = MetadataHeaderPrefix + k
		}
		h.Set(k, v)
	}
	return h
}
