package auth

import (
	"net/url"
	"strings"
)

// ValidateNextURLIsLocal returns nextURL if it is a local absolute path, and
// DefaultReturnTo otherwise. Protocol-relative and backslash forms are
// rejected.
func ValidateNextURLIsLocal(nextURL string) string {
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") || strings.ContainsAny(nextURL, "\\\r\n") {
		return DefaultReturnTo
	}
	u, err := url.Parse(nextURL)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return DefaultReturnTo
	}
	return nextURL
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
