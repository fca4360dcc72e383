// Package data provides the Arrow schema of the accounting ledger and the
// conversion between ledger entries and Arrow record batches.
package data
