package zmlp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AddressMatcher matches to a range of ips or domains.
type AddressMatcher interface {
	Match(string) bool
}

// NewAddressMatcher parses an ip pattern like "10.0.[1-3].*",
// or a domain pattern like "*.render.local".
func NewAddressMatcher(pattern string) (AddressMatcher, error) {
	if looksLikeIP(pattern) {
		return ipMatcherFromString(pattern)
	}
	return domainMatcherFromString(pattern)
}

func looksLikeIP(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		p = strings.Trim(p, "[]")
		p = strings.ReplaceAll(p, "-", "")
		if p == "*" {
			continue
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// AllowList admits analysts whose host matches any of its matchers.
// An empty list admits every analyst.
type AllowList []AddressMatcher

// NewAllowList parses patterns into an AllowList.
func NewAllowList(patterns []string) (AllowList, error) {
	l := make(AllowList, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := NewAddressMatcher(p)
		if err != nil {
			return nil, err
		}
		l = append(l, m)
	}
	return l, nil
}

// Allow reports whether the analyst at url may register and lease tasks.
// url is a host:port pair, the port is ignored.
func (l AllowList) Allow(url string) bool {
	if len(l) == 0 {
		return true
	}
	host := url
	if h, _, err := net.SplitHostPort(url); err == nil {
		host = h
	}
	for _, m := range l {
		if m.Match(host) {
			return true
		}
	}
	return false
}

// IPMatcher matches to an ip or more.
type IPMatcher []IPPartMatcher

func (m IPMatcher) Match(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return false
		}
		if n < 0 || n >= 256 {
			return false
		}
		if !m[i].Match(n) {
			return false
		}
	}
	return true
}

type IPPartMatcher interface {
	Match(int) bool
}

type IPPartAllMatcher struct{}

func (m IPPartAllMatcher) Match(n int) bool {
	return true
}

type IPPartSingleMatcher struct {
	n int
}

func (m IPPartSingleMatcher) Match(n int) bool {
	return n == m.n
}

type IPPartRangeMatcher struct {
	start, end int
}

func (m IPPartRangeMatcher) Match(n int) bool {
	return m.start <= n && n <= m.end
}

// parseIPRange parses "[s-e]". ok is false when p isn't a valid range.
func parseIPRange(p string) (s, e int, ok bool) {
	if !strings.HasPrefix(p, "[") || !strings.HasSuffix(p, "]") {
		return 0, 0, false
	}
	rng := strings.Split(p[1:len(p)-1], "-")
	if len(rng) != 2 {
		return 0, 0, false
	}
	s, err := strconv.Atoi(rng[0])
	if err != nil || s < 0 || s >= 256 {
		return 0, 0, false
	}
	e, err = strconv.Atoi(rng[1])
	if err != nil || e < 0 || e >= 256 || e < s {
		return 0, 0, false
	}
	return s, e, true
}

// IPv6 is not supported.
func ipMatcherFromString(s string) (IPMatcher, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("ip does not consists of 4 parts: %v", s)
	}
	matcher := make(IPMatcher, 4)
	for i, p := range parts {
		if p == "*" {
			matcher[i] = IPPartAllMatcher{}
			continue
		}
		n, err := strconv.Atoi(p)
		if err == nil {
			if n < 0 || n >= 256 {
				return nil, fmt.Errorf("an ip part should be 0-255 when it is a number")
			}
			matcher[i] = IPPartSingleMatcher{n}
			continue
		}
		if s, e, ok := parseIPRange(p); ok {
			matcher[i] = IPPartRangeMatcher{s, e}
			continue
		}
		return nil, fmt.Errorf("unknown formatting for ip part: %v", p)
	}
	return matcher, nil
}

// DomainMatcher matches to a range of domains.
type DomainMatcher []DomainPartMatcher

func domainMatcherFromString(s string) (DomainMatcher, error) {
	if s == "" {
		return nil, fmt.Errorf("cannot create a domain matcher from empty string")
	}
	parts := strings.Split(s, ".")
	m := make(DomainMatcher, len(parts))
	for i, p := range parts {
		if p == "*" {
			m[i] = DomainPartAllMatcher{}
		} else {
			m[i] = DomainPartSingleMatcher{strings.ToLower(p)}
		}
	}
	return m, nil
}

func (m DomainMatcher) Match(s string) bool {
	if len(m) == 0 || s == "" {
		return false
	}
	parts := strings.Split(strings.ToLower(s), ".")
	if len(m) != len(parts) {
		return false
	}
	for i, p := range parts {
		if !m[i].Match(p) {
			return false
		}
	}
	return true
}

type DomainPartMatcher interface {
	Match(string) bool
}

type DomainPartAllMatcher struct{}

func (m DomainPartAllMatcher) Match(s string) bool {
	return true
}

type DomainPartSingleMatcher struct {
	s string
}

func (m DomainPartSingleMatcher) Match(s string) bool {
	return s == m.s
}
