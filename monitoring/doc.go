// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics per node registry
// - Health checks
package monitoring
