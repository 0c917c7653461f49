// Package crawler is the colly-backed host crawl. It routes every outgoing
// request and incoming response through the decaptcha gate, performs its own
// duplicate filtering (honouring Meta.DontFilter on replays) and signals the
// gate when the crawl goes idle.
package crawler
