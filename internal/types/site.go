package types

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DomainOf returns the lower-cased hostname of pageURL, or "" when the URL
// has no host.
func DomainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SiteOf returns the registrable domain (eTLD+1) for domain. Hosts without a
// registrable part, such as IP addresses or bare suffixes, are returned as is.
func SiteOf(domain string) string {
	if domain == "" || net.ParseIP(domain) != nil {
		return domain
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return site
}
