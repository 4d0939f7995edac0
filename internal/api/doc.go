// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to admit scraping jobs; GET /v1/jobs/{job_id} and /v1/queue to inspect them.
//   - /v1/scheduler and /v1/sources/{source_id}/... to control per-source timers.
//   - /v1/proxies to inspect, rotate and reset egress endpoints.
package api
