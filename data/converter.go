package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
)

// Ledger entry kinds.
const (
	KindSend    = "send"
	KindDeliver = "deliver"
	KindAuthn   = "authn"
	KindAuthz   = "authz"
	KindAcc     = "acc"
)

// LedgerEntry records one accounting relevant event of a node.
type LedgerEntry struct {
	Time     time.Time         `json:"time"`
	Node     string            `json:"node"`
	Peer     string            `json:"peer,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	UUID     string            `json:"uuid,omitempty"`
	Kind     string            `json:"kind"`
	Bytes    int64             `json:"bytes"`
	Accepted bool              `json:"accepted"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Converter handles ledger entry to Arrow conversion.
type Converter struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return NewConverterWithAllocator(memory.DefaultAllocator)
}

// NewConverterWithAllocator creates a Converter using alloc, which lets
// tests check for leaks with memory.CheckedAllocator.
func NewConverterWithAllocator(alloc memory.Allocator) *Converter {
	return &Converter{
		allocator: alloc,
		schema:    LedgerSchema(),
	}
}

// Schema returns the schema records are built with.
func (c *Converter) Schema() *arrow.Schema {
	return c.schema
}

func appendOptional(b *array.StringBuilder, s string) {
	if s == "" {
		b.AppendNull()
		return
	}
	b.Append(s)
}

// EntriesToArrowBatch converts ledger entries to an Arrow record. The
// caller releases the record.
func (c *Converter) EntriesToArrowBatch(entries []LedgerEntry) (arrow.Record, error) {
	if len(entries) == 0 {
		return nil, errors.New("empty entries slice")
	}

	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	timeBuilder := builder.Field(0).(*array.TimestampBuilder)
	nodeBuilder := builder.Field(1).(*array.StringBuilder)
	peerBuilder := builder.Field(2).(*array.StringBuilder)
	subjectBuilder := builder.Field(3).(*array.StringBuilder)
	uuidBuilder := builder.Field(4).(*array.StringBuilder)
	kindBuilder := builder.Field(5).(*array.StringBuilder)
	bytesBuilder := builder.Field(6).(*array.Int64Builder)
	acceptedBuilder := builder.Field(7).(*array.BooleanBuilder)
	attrsBuilder := builder.Field(8).(*array.MapBuilder)

	keyBuilder := attrsBuilder.KeyBuilder().(*array.StringBuilder)
	valueBuilder := attrsBuilder.ItemBuilder().(*array.StringBuilder)

	for _, e := range entries {
		timeBuilder.Append(arrow.Timestamp(e.Time.UnixNano()))
		nodeBuilder.Append(e.Node)
		appendOptional(peerBuilder, e.Peer)
		appendOptional(subjectBuilder, e.Subject)
		appendOptional(uuidBuilder, e.UUID)
		kindBuilder.Append(e.Kind)
		bytesBuilder.Append(e.Bytes)
		acceptedBuilder.Append(e.Accepted)

		if len(e.Attrs) > 0 {
			attrsBuilder.Append(true)
			for k, v := range e.Attrs {
				keyBuilder.Append(k)
				valueBuilder.Append(v)
			}
		} else {
			attrsBuilder.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

// ArrowBatchToEntries converts a ledger record back to entries.
func (c *Converter) ArrowBatchToEntries(record arrow.Record) ([]LedgerEntry, error) {
	if record == nil || record.NumRows() == 0 {
		return nil, nil
	}
	if err := ValidateSchema(record, c.schema); err != nil {
		return nil, err
	}

	timeCol := record.Column(0).(*array.Timestamp)
	nodeCol := record.Column(1).(*array.String)
	peerCol := record.Column(2).(*array.String)
	subjectCol := record.Column(3).(*array.String)
	uuidCol := record.Column(4).(*array.String)
	kindCol := record.Column(5).(*array.String)
	bytesCol := record.Column(6).(*array.Int64)
	acceptedCol := record.Column(7).(*array.Boolean)
	attrsCol := record.Column(8).(*array.Map)

	entries := make([]LedgerEntry, record.NumRows())
	for i := range entries {
		entries[i] = LedgerEntry{
			Time:     time.Unix(0, int64(timeCol.Value(i))).UTC(),
			Node:     nodeCol.Value(i),
			Peer:     optional(peerCol, i),
			Subject:  optional(subjectCol, i),
			UUID:     optional(uuidCol, i),
			Kind:     kindCol.Value(i),
			Bytes:    bytesCol.Value(i),
			Accepted: acceptedCol.Value(i),
		}
		if !attrsCol.IsNull(i) {
			entries[i].Attrs = extractMapValues(attrsCol, i)
		}
	}
	return entries, nil
}

func optional(col *array.String, i int) string {
	if col.IsNull(i) {
		return ""
	}
	return col.Value(i)
}

// JSONToArrowBatch converts a JSON array of entries to an Arrow record.
func (c *Converter) JSONToArrowBatch(jsonData []byte) (arrow.Record, error) {
	var entries []LedgerEntry
	if err := json.Unmarshal(jsonData, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return c.EntriesToArrowBatch(entries)
}

// ArrowBatchToJSON converts a ledger record to a JSON array.
func (c *Converter) ArrowBatchToJSON(record arrow.Record) ([]byte, error) {
	entries, err := c.ArrowBatchToEntries(record)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(entries)
}

// extractMapValues extracts key-value pairs from a Map column at the given index.
func extractMapValues(mapCol *array.Map, idx int) map[string]string {
	result := make(map[string]string)

	offsets := mapCol.Offsets()
	start := offsets[idx]
	end := offsets[idx+1]

	keys := mapCol.Keys().(*array.String)
	values := mapCol.Items().(*array.String)

	for j := start; j < end; j++ {
		result[keys.Value(int(j))] = values.Value(int(j))
	}

	return result
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
