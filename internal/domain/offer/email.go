package offer

import (
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// MatchEmailDomain reports whether email satisfies the comma-separated list
// of allowed domains. An empty list allows every email.
//
// A registrable domain such as "example.com" also admits its subdomains
// ("a@sub.example.com"). A domain that already names a subdomain, such as
// "sub.example.com", only admits that exact host.
func MatchEmailDomain(email, domains string) bool {
	if domains == "" {
		return true
	}
	for _, domain := range strings.Split(domains, ",") {
		if domain == "" {
			continue
		}
		if domainPattern(domain).MatchString(email) {
			return true
		}
	}
	return false
}

func domainPattern(domain string) *regexp.Regexp {
	subdomains := ""
	if registrable(domain) {
		subdomains = `(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)*`
	}
	return regexp.MustCompile(`(?i)^.+@` + subdomains + regexp.QuoteMeta(domain) + `$`)
}

func registrable(domain string) bool {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(domain))
	return err == nil && etld1 == strings.ToLower(domain)
}
