// Package engine implements a neuropil node: it owns the identity, the
// transport and the peers of one runtime instance and routes subject
// tagged messages between local receive callbacks and remote nodes.
//
// This package implements:
//   - Node: lifecycle, callbacks, send and receive pipelines
//   - MxProperties: per subject message exchange settings
//   - Outbox: bounded per subject cache for messages without receivers
//   - WorkerPool: goroutine pool running receive callbacks
package engine
