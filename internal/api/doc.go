// Package api hosts the HTTP server, middleware, and REST handlers for
// operator and dashboard access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/analyses for registering a job's progress tracking.
//   - GET /v1/analyses/{id}/status|history|steps|current for reads.
//   - POST /v1/analyses/{id}/pause|resume|stop for lifecycle control.
//   - GET /v1/analyses/{id}/stream for the WebSocket progress feed.
package api
