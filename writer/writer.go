// Package writer implements the partitioned data-file writer: a router
// that splits incoming record batches by partition-value tuple, a
// per-partition buffered encoder, and a bounded-concurrency multipart
// upload path that turns flushed buffers into Add actions ready for a
// commit.
package writer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/logstore"
	"github.com/google/uuid"
)

// Encoder is the external collaborator that turns columnar row chunks into
// an on-disk file format (e.g. Parquet). This module never links a
// concrete implementation, since on-disk file layout is out of scope
// here; Encoder is driven entirely through this interface so the
// routing/flush/upload state machine is exercised end to end in tests
// against a fake.
type Encoder interface {
	// Schema returns the column names this encoder expects, in order.
	Schema() []string
	// EncodeChunk appends rows to the encoder's internal buffer. rows[i] is
	// the column at Schema()[i], one value per row.
	EncodeChunk(rows [][]any) error
	// Bytes returns everything encoded since the last Reset.
	Bytes() ([]byte, error)
	// NumRows reports rows encoded since the last Reset.
	NumRows() int
	// Reset clears the buffer, starting a new file segment.
	Reset()
}

// EncoderFactory constructs a fresh Encoder for a new partition or file
// segment.
type EncoderFactory func() Encoder

// RecordBatch is a minimal in-module columnar batch: one slice per column,
// all the same length. It is sufficient to drive the partition router
// without depending on any concrete in-memory table format.
type RecordBatch struct {
	Columns map[string][]any
	NumRows int
}

// ErrSchemaMismatch is returned when a batch's columns don't match the
// encoder's declared schema.
type ErrSchemaMismatch struct {
	Expected []string
	Got      []string
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("writer: schema mismatch: expected columns %v, got %v", e.Expected, e.Got)
}

// Config bundles the writer's tunable knobs.
type Config struct {
	PartitionColumns []string
	WriteBatchSize   int
	TargetFileSize   int64
	UploadPartSize   int64
	MaxInFlightParts int
	NumIndexedCols   int32
	StatsColumns     []string
}

// Writer routes incoming batches to per-partition PartitionWriters, each of
// which buffers, flushes, and uploads its own data files.
type Writer struct {
	cfg        Config
	store      logstore.ObjectStore
	newEncoder EncoderFactory
	opID       string

	partitions map[string]*PartitionWriter
	order      []string
}

// New returns a Writer uploading through store, scoped to opID, using
// newEncoder to mint a fresh Encoder per partition.
func New(cfg Config, store logstore.ObjectStore, newEncoder EncoderFactory, opID string) *Writer {
	return &Writer{
		cfg:        cfg,
		store:      store,
		newEncoder: newEncoder,
		opID:       opID,
		partitions: map[string]*PartitionWriter{},
	}
}

// Write splits batch by partition-column values and hands each partition's
// rows, chunked to cfg.WriteBatchSize, to that partition's writer.
func (w *Writer) Write(ctx context.Context, batch *RecordBatch) error {
	grouped, order := groupByPartition(batch, w.cfg.PartitionColumns)

	for _, key := range order {
		pw, ok := w.partitions[key]
		if !ok {
			pw = newPartitionWriter(w.cfg, w.store, w.newEncoder(), w.opID, partitionValuesFromKey(key))
			w.partitions[key] = pw
			w.order = append(w.order, key)
		}

		rows := grouped[key]
		if err := pw.validateSchema(rows); err != nil {
			return err
		}

		for start := 0; start < rows.NumRows; start += w.cfg.WriteBatchSize {
			end := start + w.cfg.WriteBatchSize
			if end > rows.NumRows {
				end = rows.NumRows
			}
			chunk := sliceBatch(rows, start, end)
			if err := pw.write(ctx, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes every partition's remaining buffered rows and returns the
// Add actions for every file written. Partitions with no buffered rows
// produce no file.
func (w *Writer) Close(ctx context.Context) ([]action.Action, error) {
	var actions []action.Action
	for _, key := range w.order {
		pw := w.partitions[key]
		adds, err := pw.close(ctx)
		if err != nil {
			return nil, err
		}
		for _, add := range adds {
			actions = append(actions, action.AddAction(add))
		}
	}
	return actions, nil
}

func groupByPartition(batch *RecordBatch, partitionCols []string) (map[string]*RecordBatch, []string) {
	grouped := map[string]*RecordBatch{}
	var order []string

	for row := 0; row < batch.NumRows; row++ {
		key := partitionKey(batch, partitionCols, row)
		g, ok := grouped[key]
		if !ok {
			g = &RecordBatch{Columns: map[string][]any{}}
			for col := range batch.Columns {
				g.Columns[col] = nil
			}
			grouped[key] = g
			order = append(order, key)
		}
		for col, values := range batch.Columns {
			g.Columns[col] = append(g.Columns[col], values[row])
		}
		g.NumRows++
	}
	return grouped, order
}

func partitionKey(batch *RecordBatch, partitionCols []string, row int) string {
	if len(partitionCols) == 0 {
		return ""
	}
	parts := make([]string, 0, len(partitionCols))
	for _, col := range partitionCols {
		v := batch.Columns[col][row]
		parts = append(parts, fmt.Sprintf("%s=%v", col, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, "/")
}

func partitionValuesFromKey(key string) map[string]string {
	values := map[string]string{}
	if key == "" {
		return values
	}
	for _, part := range strings.Split(key, "/") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			values[kv[0]] = kv[1]
		}
	}
	return values
}

func sliceBatch(batch *RecordBatch, start, end int) *RecordBatch {
	out := &RecordBatch{Columns: map[string][]any{}, NumRows: end - start}
	for col, values := range batch.Columns {
		out.Columns[col] = values[start:end]
	}
	return out
}

// stagePath renders a data file path for a partition key and a fresh file
// id, following Delta's "part-NNNNN-<uuid>" naming convention.
func stagePath(partitionKey string) string {
	id := uuid.NewString()
	if partitionKey == "" {
		return fmt.Sprintf("part-00000-%s.parquet", id)
	}
	return fmt.Sprintf("%s/part-00000-%s.parquet", partitionKey, id)
}
