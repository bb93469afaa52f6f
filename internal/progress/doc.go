// Package progress provides the event type, the non-blocking batching hub and
// the emitter interface the crawl orchestrator uses to report progress. Events
// are batched on a background goroutine and fanned out to pluggable sinks.
package progress
