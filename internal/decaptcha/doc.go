// Package decaptcha implements the crawl gate that pauses a crawl when a
// response turns out to be a CAPTCHA challenge, solves the challenge through a
// pluggable detection engine, and replays the requests that arrived while the
// crawl was paused.
//
// Pausing is global rather than per-domain: while one challenge is being
// solved every in-scope request is deferred, even for unrelated hosts. This
// keeps exactly one challenge in flight at a time.
package decaptcha
