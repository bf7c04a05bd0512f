// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/organizations and /v1/organizations/{slug}/records to harvest
//     one organization on demand.
//   - POST /v1/harvests to harvest every organization and deliver the result;
//     GET /v1/harvests[/{run_id}] to read delivery receipts.
package api
