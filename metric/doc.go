// Package metric provides the Prometheus registry and HTTP endpoint for the agent.
//
// NewMetricsRegistry registers the core agent metrics (messages received and
// dropped, handler outcomes and durations, replies, status events, NATS connection
// state) under the "edgeworker" namespace, plus the Go runtime collectors.
// Components that own extra metrics, such as the worker pool, register them through
// the MetricsRegistrar interface keyed by "service.metric" so duplicates are caught.
//
// Server exposes the registry on /metrics and a JSON health document on /health.
package metric
