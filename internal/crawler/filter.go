package crawler

import (
	"strings"
	"sync"
)

// visitTracker remembers scheduled request keys.
type visitTracker struct {
	seen sync.Map
}

// MarkIfNew stores key and reports whether it was not seen before.
func (t *visitTracker) MarkIfNew(key string) bool {
	if key == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(key, struct{}{})
	return !loaded
}

// hostBlocklist matches exact hosts and "*.suffix" / ".suffix" patterns.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostBlocklist(patterns []string) *hostBlocklist {
	b := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		suffix := strings.TrimPrefix(strings.TrimPrefix(value, "*"), ".")
		switch {
		case value == "" || suffix == "":
			continue
		case suffix != value:
			b.suffixes = append(b.suffixes, suffix)
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

// Blocked reports whether host (a bare hostname) is blocked.
func (b *hostBlocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
