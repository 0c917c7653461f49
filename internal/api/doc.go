// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/gate for the gate status, POST /v1/gate/pause and
//     POST /v1/gate/resume to stop or release the crawl by hand.
//   - GET /v1/challenges for recent solve outcomes from the ledger.
//   - GET /v1/crawl for host crawl counters.
package api
