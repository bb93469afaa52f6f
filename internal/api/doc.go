// Package api hosts the HTTP control surface for the crawler. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl/start, /v1/crawl/stop and /v1/crawl/requeue to control runs.
//   - GET /v1/crawl/status and /v1/crawl/events to watch a run.
//   - GET /v1/files/{file_id} to read a stored file, with a sha256 ETag.
package api
