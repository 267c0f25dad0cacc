// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST /v1/runs for run history and starting a run in the background.
//   - GET /v1/runs/{run_id}/report for the persisted run summary.
//   - /v1/sources for listing and toggling registry sources.
//   - GET /v1/cache/stats for dedup cache contents.
package api
