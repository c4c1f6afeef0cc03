// Package metrics defines the Prometheus collectors for the reminder
// pipeline, event bus, coaching engine, and gateway.
package metrics
