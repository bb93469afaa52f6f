package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// AbsoluteURL prefixes raw with baseURL unless raw already carries an http(s) scheme.
func AbsoluteURL(baseURL, raw string) string {
	if strings.HasPrefix(raw, "http") {
		return raw
	}
	return strings.TrimRight(baseURL, "/") + raw
}

// ResolveReference resolves a link found on pageURL into an absolute URL.
func ResolveReference(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// FilenameFromURL returns the last path segment of raw, or "" when there is none.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		parts := strings.Split(raw, "/")
		return parts[len(parts)-1]
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}
