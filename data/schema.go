package data

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// LedgerSchema returns the Arrow schema for ledger entries.
//
// Fields:
//   - time: timestamp[ns, UTC] - when the event happened
//   - node: string - fingerprint of the recording node
//   - peer: string (nullable) - fingerprint of the other party
//   - subject: string (nullable) - message subject or token subject
//   - uuid: string (nullable) - message or token uuid
//   - kind: string - send, deliver, authn, authz or acc
//   - bytes: int64 - payload size
//   - accepted: bool - outcome of the decision or delivery
//   - attrs: map<string, string> (nullable) - extra key-value data
func LedgerSchema() *arrow.Schema {
	md := arrow.NewMetadata([]string{"format"}, []string{"neuropil-ledger/1"})
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "time", Type: &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}},
			{Name: "node", Type: arrow.BinaryTypes.String},
			{Name: "peer", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "subject", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "uuid", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "kind", Type: arrow.BinaryTypes.String},
			{Name: "bytes", Type: arrow.PrimitiveTypes.Int64},
			{Name: "accepted", Type: arrow.FixedWidthTypes.Boolean},
			{
				Name: "attrs",
				Type: arrow.MapOf(
					arrow.BinaryTypes.String, // key type
					arrow.BinaryTypes.String, // value type
				),
				Nullable: true,
			},
		},
		&md,
	)
}
