// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and an in-memory window of recent events served by the API.
package sinks
