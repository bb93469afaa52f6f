// Package main hosts the catalog crawler entrypoint.
//
// Architecture overview:
//   - Discovery: the site root is fetched once and every link whose path matches the product pattern becomes a
//     pending Code row. Each Code page is then fetched and its links become pending Name rows.
//   - Archival: each Name page has its body stored as RawContent. Linked PDFs and images are downloaded into the
//     object store (GridFS, GCS, S3, local disk or memory) and recorded against the product name. A notice is
//     published to Pub/Sub when a topic is configured.
//   - Control: one run at a time. The serve command exposes start, stop, requeue and status over HTTP; the crawl
//     command runs in the foreground and treats SIGINT/SIGTERM as a stop request.
//   - Politeness: every request waits the configured delay and, when max_requests_per_second is set, a token bucket.
//     Requests are strictly sequential.
//   - Configuration & plumbing: Viper reads the YAML file and CATALOG_* environment overrides (a .env file is loaded
//     first when present); zap provides structured logging; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Set CATALOG_SITE_BASE_URL, the Postgres connection (CATALOG_DATABASE_POSTGRES_*) and the object store
//     backend (CATALOG_STORAGE_BACKEND plus its bucket or MongoDB settings).
//   - Apply the schema once with: catalog-crawler migrate --config config.yaml
//   - Crawl in the foreground: catalog-crawler crawl --config config.yaml
//   - Or serve the control API: catalog-crawler serve --config config.yaml
package main

import (
	"github.com/JakeFAU/catalog-crawler/cmd"
)

func main() {
	cmd.Execute()
}
