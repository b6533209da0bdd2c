// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a crawl over a set of municipalities.
//   - GET /v1/runs/{run_id}/stats for per-municipality crawl statistics.
package api
