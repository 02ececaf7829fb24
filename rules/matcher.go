package rules

import (
	"net"
	"strings"

	"github.com/gobwas/glob"
	"github.com/yl2chen/cidranger"
)

// Matcher gives the match result of a single pattern for a host value.
type Matcher interface {
	Match(v string) bool
}

type domainMatcher struct {
	domain string
}

// DomainMatcher matches the exact domain.
func DomainMatcher(domain string) Matcher {
	return &domainMatcher{domain: strings.ToLower(domain)}
}

func (m *domainMatcher) Match(domain string) bool {
	return strings.ToLower(domain) == m.domain
}

type domainSuffixMatcher struct {
	suffix string
}

// DomainSuffixMatcher matches the domain itself and any subdomain of it.
func DomainSuffixMatcher(suffix string) Matcher {
	return &domainSuffixMatcher{suffix: strings.ToLower(strings.TrimPrefix(suffix, "."))}
}

func (m *domainSuffixMatcher) Match(domain string) bool {
	domain = strings.ToLower(domain)
	if domain == m.suffix {
		return true
	}
	return strings.HasSuffix(domain, "."+m.suffix)
}

type domainKeywordMatcher struct {
	keyword string
}

// DomainKeywordMatcher matches any domain containing the keyword.
func DomainKeywordMatcher(keyword string) Matcher {
	return &domainKeywordMatcher{keyword: strings.ToLower(keyword)}
}

func (m *domainKeywordMatcher) Match(domain string) bool {
	return m.keyword != "" && strings.Contains(strings.ToLower(domain), m.keyword)
}

type wildcardMatcher struct {
	glob glob.Glob
}

// WildcardMatcher matches a wildcard domain pattern such as '*.example.com'.
func WildcardMatcher(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &wildcardMatcher{glob: g}, nil
}

func (m *wildcardMatcher) Match(domain string) bool {
	return m.glob.Match(strings.ToLower(domain))
}

type cidrMatcher struct {
	ranger cidranger.Ranger
}

// CIDRMatcher matches IP addresses against a CIDR range.
func CIDRMatcher(inet *net.IPNet) Matcher {
	ranger := cidranger.NewPCTrieRanger()
	ranger.Insert(cidranger.NewBasicRangerEntry(*inet))
	return &cidrMatcher{ranger: ranger}
}

func (m *cidrMatcher) Match(ip string) bool {
	if netIP := net.ParseIP(ip); netIP != nil {
		b, _ := m.ranger.Contains(netIP)
		return b
	}
	return false
}
