package writer

import (
	"context"
	"fmt"
	"sort"

	"github.com/estuary/deltakeeper/action"
	"github.com/estuary/deltakeeper/logstore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// PartitionWriter buffers rows for a single partition-value tuple, chunking
// into the configured write batch size, and flushes to a new data file
// whenever the buffered size reaches the target file size.
type PartitionWriter struct {
	cfg             Config
	store           logstore.ObjectStore
	encoder         Encoder
	opID            string
	partitionValues map[string]string
	partitionKey    string

	bufferedRows int
}

func newPartitionWriter(cfg Config, store logstore.ObjectStore, encoder Encoder, opID string, partitionValues map[string]string) *PartitionWriter {
	return &PartitionWriter{
		cfg:             cfg,
		store:           store,
		encoder:         encoder,
		opID:            opID,
		partitionValues: partitionValues,
		partitionKey:    keyOf(partitionValues),
	}
}

func keyOf(values map[string]string) string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	key := ""
	for i, c := range cols {
		if i > 0 {
			key += "/"
		}
		key += fmt.Sprintf("%s=%s", c, values[c])
	}
	return key
}

func (pw *PartitionWriter) validateSchema(batch *RecordBatch) error {
	expected := pw.encoder.Schema()
	got := make([]string, 0, len(batch.Columns))
	for col := range batch.Columns {
		got = append(got, col)
	}
	if len(got) != len(expected) {
		return &ErrSchemaMismatch{Expected: expected, Got: got}
	}
	want := map[string]bool{}
	for _, c := range expected {
		want[c] = true
	}
	for _, c := range got {
		if !want[c] {
			return &ErrSchemaMismatch{Expected: expected, Got: got}
		}
	}
	return nil
}

// write appends chunk to the encoder and flushes a new file if the
// buffered bytes have reached the target file size.
func (pw *PartitionWriter) write(ctx context.Context, chunk *RecordBatch) error {
	rows, err := columnarRows(pw.encoder.Schema(), chunk)
	if err != nil {
		return err
	}
	if err := pw.encoder.EncodeChunk(rows); err != nil {
		return fmt.Errorf("writer: encoding chunk: %w", err)
	}
	pw.bufferedRows += chunk.NumRows

	data, err := pw.encoder.Bytes()
	if err != nil {
		return fmt.Errorf("writer: reading encoder buffer: %w", err)
	}
	if int64(len(data)) >= pw.cfg.TargetFileSize {
		if _, err := pw.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// close flushes any remaining buffered rows into a final file. A partition
// with no buffered rows produces no file.
func (pw *PartitionWriter) close(ctx context.Context) ([]action.AddFile, error) {
	if pw.bufferedRows == 0 {
		return nil, nil
	}
	add, err := pw.flush(ctx)
	if err != nil {
		return nil, err
	}
	return []action.AddFile{add}, nil
}

// flush reads the encoder's buffered bytes, computes file statistics,
// uploads the bytes via bounded concurrency multipart upload, and then
// resets the same encoder for the next file segment; no fresh encoder is
// swapped in, and the reset happens only after the upload succeeds. A
// zero-row flush is a caller bug, not
// a file; callers only invoke flush when bufferedRows > 0 or the target
// size has been reached from a non-empty buffer.
func (pw *PartitionWriter) flush(ctx context.Context) (action.AddFile, error) {
	if pw.bufferedRows == 0 {
		return action.AddFile{}, nil
	}

	data, err := pw.encoder.Bytes()
	if err != nil {
		return action.AddFile{}, fmt.Errorf("writer: reading encoder buffer for flush: %w", err)
	}
	stats, err := computeStats(pw.encoder, pw.cfg.NumIndexedCols, pw.cfg.StatsColumns)
	if err != nil {
		return action.AddFile{}, err
	}

	path := stagePath(pw.partitionKey)
	size, err := pw.upload(ctx, path, data)
	if err != nil {
		return action.AddFile{}, err
	}

	add := action.AddFile{
		Path:            path,
		PartitionValues: pw.partitionValues,
		Size:            size,
		DataChange:      true,
		Stats:           stats,
	}

	pw.encoder.Reset()
	pw.bufferedRows = 0

	return add, nil
}

// upload splits data into parts of cfg.UploadPartSize and uploads them
// concurrently, bounded at cfg.MaxInFlightParts in-flight at a time. Each
// part is checksummed with a keyed HighwayHash before it leaves process
// memory, and the driver is handed that checksum alongside the part so it
// can reject silently corrupted bytes instead of completing the upload.
func (pw *PartitionWriter) upload(ctx context.Context, path string, data []byte) (int64, error) {
	partSize := pw.cfg.UploadPartSize
	if partSize <= 0 {
		partSize = int64(len(data))
		if partSize == 0 {
			partSize = 1
		}
	}

	mpu, err := pw.store.NewMultipartUpload(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("writer: beginning multipart upload for %s: %w", path, err)
	}

	numParts := (int64(len(data)) + partSize - 1) / partSize
	if numParts == 0 {
		numParts = 1
	}
	etags := make([]string, numParts)

	grp, grpCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(pw.cfg.MaxInFlightParts))

	for i := int64(0); i < numParts; i++ {
		i := i
		start := i * partSize
		end := start + partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		part := data[start:end]

		if err := sem.Acquire(grpCtx, 1); err != nil {
			break
		}
		checksum := logstore.PartChecksum(part)
		grp.Go(func() error {
			defer sem.Release(1)
			etag, err := mpu.UploadPart(grpCtx, int(i)+1, part, checksum)
			if err != nil {
				return fmt.Errorf("uploading part %d: %w", i+1, err)
			}
			etags[i] = etag
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		_ = mpu.Abort(ctx)
		return 0, fmt.Errorf("writer: uploading %s: %w", path, err)
	}
	if err := mpu.Complete(ctx, etags); err != nil {
		return 0, fmt.Errorf("writer: completing upload of %s: %w", path, err)
	}
	return int64(len(data)), nil
}

// columnarRows re-projects batch's columns into Schema order, since
// Encoder.EncodeChunk expects rows indexed by schema position rather than
// by map key.
func columnarRows(schema []string, batch *RecordBatch) ([][]any, error) {
	rows := make([][]any, len(schema))
	for i, col := range schema {
		values, ok := batch.Columns[col]
		if !ok {
			return nil, &ErrSchemaMismatch{Expected: schema, Got: batchColumns(batch)}
		}
		rows[i] = values
	}
	return rows, nil
}

func batchColumns(batch *RecordBatch) []string {
	cols := make([]string, 0, len(batch.Columns))
	for c := range batch.Columns {
		cols = append(cols, c)
	}
	return cols
}
