// Package telemetry holds the Prometheus metrics, the metrics HTTP endpoint
// and OpenTelemetry tracer setup shared by the simsync service.
package telemetry
