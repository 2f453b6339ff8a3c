package client

import (
	"fmt"
	"net/url"
	"strings"
)

const displayPath = "/ws/display/"

// EndpointURL derives the display socket address from the hosting base address:
// https becomes wss, http becomes ws, the host is kept and the path is replaced by
// the display route for slug.
func EndpointURL(base, slug string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("base url required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	u.Path = displayPath + slug + "/"
	u.RawPath = displayPath + url.PathEscape(slug) + "/"
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}
