// Package api hosts the HTTP server, middleware, and REST handlers for
// running workflows. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/steps lists the step names a workflow may use.
//   - POST /v1/workflows/validate loads a workflow and echoes its dump.
//   - POST /v1/runs runs a workflow and streams items as NDJSON.
package api
