package blocklist

import (
	"net/url"
	"strings"
)

// BlocklistedURLMessage is the fixed message returned for any blocklisted
// host; clients key off the exact string.
const BlocklistedURLMessage = "This website is not currently supported due to policy restrictions. If you believe this is in error, please reach out to help@cinder.dev."

// Hosts we refuse to scrape. Matching is by registrable-suffix so that
// subdomains (m.facebook.com, mobile.twitter.com) are covered too.
var blockedHosts = []string{
	"facebook.com",
	"fb.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"tiktok.com",
	"linkedin.com",
	"whatsapp.com",
	"telegram.org",
}

// IsBlocked reports whether rawURL points at a blocklisted host. URLs
// that do not parse are not blocked here; scheme validation happens in
// the dispatch path.
func IsBlocked(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return false
	}
	for _, b := range blockedHosts {
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}
