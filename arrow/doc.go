// Package arrow provides Arrow IPC serialization of the accounting ledger.
// This package implements:
// - record batch serialization to and from IPC streams
// - ledger files written on node shutdown and read by the CLI
package arrow
