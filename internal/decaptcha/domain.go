package decaptcha

import "strings"

// DomainFilter scopes gating and detection to hosts containing one of the
// configured substrings. An empty filter matches every request.
type DomainFilter struct {
	substrings []string
}

// NewDomainFilter normalizes the configured substrings.
func NewDomainFilter(domains []string) DomainFilter {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return DomainFilter{substrings: out}
}

// InScope reports whether the request is subject to gating.
func (f DomainFilter) InScope(req *Request) bool {
	if len(f.substrings) == 0 {
		return true
	}
	host := req.Host()
	for _, d := range f.substrings {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}
