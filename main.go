// Package main hosts the seriesfetch entrypoint.
//
// Architecture overview:
//   - Extraction: internal/extract holds one extractor per site theme (madara, mangareader, genkan). Each reads
//     rendered HTML from a headless Chrome session (internal/fetcher/headless) and parses it with goquery.
//   - Queue & workers: jobs are admitted through internal/dispatcher into a priority queue (internal/queue/memory)
//     with bounded exponential-backoff retries, and consumed by a fixed worker pool sized by workers.concurrency.
//   - Scheduling: internal/scheduler keeps one recurring "recent" scan per active source on robfig/cron timers;
//     sources can be started, paused, re-timed or removed at runtime.
//   - Egress: internal/proxy rotates labeled proxy endpoints and tracks failures. Page loads are paced per host by
//     internal/policy/ratelimit.
//   - Images: internal/images downloads covers and episode pages through colly, normalizes them with imaging and
//     writes them to the configured store (local, GCS or memory). Existing files are reused.
//   - Persistence & fanout: series and episodes are upserted through Postgres (or an in-memory gateway seeded from
//     config) and announced on Pub/Sub when a topic is configured.
//   - Management: internal/api exposes queue, scheduler and proxy operations over chi, plus /healthz and /metrics.
//
// Quick checklist:
//   - Configure env vars: SERIESFETCH_SERVER_PORT, SERIESFETCH_WORKERS_CONCURRENCY, SERIESFETCH_DB_DSN,
//     SERIESFETCH_IMAGES_BACKEND, SERIESFETCH_PUBSUB_PROJECT_ID/TOPIC_NAME; sources and proxies live in the config file.
//   - Run the service: go run . serve --config config.yaml
//   - One-shot scrape: go run . scrape --config config.yaml --source <id> --kind recent
package main

import (
	"github.com/JakeFAU/seriesfetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
