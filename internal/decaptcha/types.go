package decaptcha

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Meta is the typed annotation set carried by every Request.
type Meta struct {
	// ChallengeFlow marks requests issued while solving a challenge. They
	// always bypass the gate.
	ChallengeFlow bool
	// DontFilter tells the host scheduler to skip duplicate filtering.
	DontFilter bool
	// Depth is the crawl depth assigned by the host.
	Depth int
}

// Request describes a resource to fetch.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Meta   Meta
}

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}, nil
}

// Host returns the lowercase host of the request target.
func (r *Request) Host() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Host)
}

// String returns the request target.
func (r *Request) String() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.URL != nil {
		u := *r.URL
		cp.URL = &u
	}
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}

// Response is produced once by a Fetcher and read-only afterwards, except for
// the Request back-reference which the gate sets before detection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
	Request    *Request
}

// Spider identifies the host crawl that owns a request; it is handed back to
// the Dispatcher on replay.
type Spider interface {
	Name() string
}

// Pending is a request deferred while the crawl was paused.
type Pending struct {
	Request *Request
	Spider  Spider
}

// Fetcher performs network I/O for the solve pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Solver turns challenge image bytes into text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Dispatcher re-schedules a request with the host crawler.
type Dispatcher interface {
	Crawl(req *Request, spider Spider) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(req *Request, spider Spider) error

// Crawl calls f(req, spider).
func (f DispatcherFunc) Crawl(req *Request, spider Spider) error {
	return f(req, spider)
}
