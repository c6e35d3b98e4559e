// Package cloudconnector replays recorded vehicle telemetry to an MQTT broker.
//
// Each configured device gets its own broker session. A trace of data points
// is published one point per tick at the device frequency with at-least-once
// delivery, and every delivery confirmation is matched back to its publish to
// measure latency.
//
// Features:
//   - TLS sessions with a PKCS#12 or PEM trust store
//   - Top-N scalar filtering of data points
//   - Process CPU and heap sampling with running averages
//   - Run reports stored in memory or in PostgreSQL
//   - Audit events to a file, an HTTP endpoint and the report store
//   - Status and Prometheus endpoints over HTTP
//   - Structured logging
//
// Configuration comes from a JSON or YAML file, command-line flags and
// environment variables, in increasing order of precedence.
package cloudconnector
