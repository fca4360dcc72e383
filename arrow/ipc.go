package arrow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/Neuropil-Engine/data"
)

// ErrNoRecords is returned when an IPC stream carries no record batch.
var ErrNoRecords = errors.New("no records in IPC data")

// IPCWriter writes Arrow record batches in IPC stream format.
type IPCWriter struct {
	allocator memory.Allocator
	converter *data.Converter
}

// NewIPCWriter creates a new IPCWriter.
func NewIPCWriter() *IPCWriter {
	return &IPCWriter{
		allocator: memory.DefaultAllocator,
		converter: data.NewConverter(),
	}
}

// SerializeToIPC serializes an Arrow Record to IPC bytes.
func (w *IPCWriter) SerializeToIPC(record arrow.Record) ([]byte, error) {
	return w.SerializeMultipleToIPC([]arrow.Record{record})
}

// DeserializeFromIPC deserializes the first record of IPC bytes.
func (w *IPCWriter) DeserializeFromIPC(b []byte) (arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(b), ipc.WithAllocator(w.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, ErrNoRecords
	}

	record := reader.Record()
	record.Retain() // the reader releases its current record on Release

	return record, nil
}

// SerializeMultipleToIPC serializes records sharing one schema.
func (w *IPCWriter) SerializeMultipleToIPC(records []arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := w.write(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *IPCWriter) write(out io.Writer, records []arrow.Record) error {
	if len(records) == 0 || records[0] == nil {
		return ErrNoRecords
	}

	writer := ipc.NewWriter(out, ipc.WithSchema(records[0].Schema()), ipc.WithAllocator(w.allocator))
	defer writer.Close()

	for i, record := range records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// DeserializeAllFromIPC deserializes all records of an IPC stream.
func (w *IPCWriter) DeserializeAllFromIPC(b []byte) ([]arrow.Record, error) {
	return w.readAll(bytes.NewReader(b))
}

func (w *IPCWriter) readAll(in io.Reader) ([]arrow.Record, error) {
	reader, err := ipc.NewReader(in, ipc.WithAllocator(w.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		// Release any records we've already retained
		for _, r := range records {
			r.Release()
		}
		return nil, reader.Err()
	}

	return records, nil
}

// WriteLedger writes entries to out as a single ledger record batch. An
// empty ledger is written as a schema-only stream.
func (w *IPCWriter) WriteLedger(out io.Writer, entries []data.LedgerEntry) error {
	if len(entries) == 0 {
		writer := ipc.NewWriter(out, ipc.WithSchema(w.converter.Schema()), ipc.WithAllocator(w.allocator))
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to close writer: %w", err)
		}
		return nil
	}

	record, err := w.converter.EntriesToArrowBatch(entries)
	if err != nil {
		return err
	}
	defer record.Release()

	return w.write(out, []arrow.Record{record})
}

// ReadLedger reads every ledger record batch from in.
func (w *IPCWriter) ReadLedger(in io.Reader) ([]data.LedgerEntry, error) {
	records, err := w.readAll(in)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	entries := make([]data.LedgerEntry, 0)
	for _, r := range records {
		batch, err := w.converter.ArrowBatchToEntries(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
	}
	return entries, nil
}

// WriteLedgerFile writes entries to path, creating parent directories.
func (w *IPCWriter) WriteLedgerFile(path string, entries []data.LedgerEntry) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.WriteLedger(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadLedgerFile reads the ledger entries stored at path.
func (w *IPCWriter) ReadLedgerFile(path string) ([]data.LedgerEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return w.ReadLedger(f)
}
