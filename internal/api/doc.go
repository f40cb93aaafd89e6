// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/plans to enqueue crawl tasks, GET /v1/queue for queue depth.
//   - POST /v1/lookups and GET /v1/cases/{category}/{court}/{number} for single cases.
//   - POST /v1/sweeps to recover expired leases on demand.
package api
