package utils

import (
	"net/url"
	"path"
	"strings"
)

// FallbackFilename is used when the URL path carries no usable file name.
const FallbackFilename = "download"

// FilenameFromUrl takes input as a escaped url & outputs filename from it (unescaped - normal one).
// Paths without a usable final segment yield FallbackFilename.
func FilenameFromUrl(inputUrl string) (string, error) {
	u, err := url.Parse(inputUrl)
	if err != nil {
		return "", err
	}
	x, err := url.PathUnescape(u.EscapedPath())
	if err != nil {
		return "", err
	}
	base := path.Base(strings.TrimRight(x, "/"))
	if base == "." || base == "/" || base == "" {
		return FallbackFilename, nil
	}
	return base, nil
}
