// Package health tracks per-component health for the edge worker.
//
// The NATS client, the dispatcher and the presence heartbeat each push their state
// into a shared Monitor; the metrics server and the control socket serve the
// aggregate. Error text is sanitized before it is exposed so bus URLs and
// credentials never leave the device through a health check.
package health
