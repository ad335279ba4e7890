package utils

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// PrepareBody encodes body according to bodyType, ignoring media type
// parameters such as charset. A nil body yields no bytes and no content type.
func PrepareBody(body map[string]any, bodyType string) ([]byte, string, error) {
	if body == nil {
		return nil, "", nil
	}

	mediaType, _, err := mime.ParseMediaType(bodyType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(bodyType))
	}

	switch mediaType {
	case "application/json":
		buf, err := json.Marshal(body)
		return buf, "application/json", err
	case "application/x-www-form-urlencoded":
		vals := url.Values{}
		for k, v := range body {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return []byte(vals.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", fmt.Errorf("unsupported body_type: %s", bodyType)
	}
}
