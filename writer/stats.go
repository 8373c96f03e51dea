package writer

import (
	"encoding/json"
	"fmt"
)

// fileStats is the JSON shape written into AddFile.Stats: per-column
// min/max/null-count over the first NumIndexedCols schema columns (or the
// explicit StatsColumns allowlist, when set), plus the file's row count.
type fileStats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]any   `json:"minValues,omitempty"`
	MaxValues  map[string]any   `json:"maxValues,omitempty"`
	NullCounts map[string]int64 `json:"nullCount,omitempty"`
}

// computeStats asks the encoder for the columns it has buffered since the
// last Reset, restricted to statsColumns if non-empty or else the first
// numIndexedCols of the encoder's schema, and returns the marshaled stats
// blob for AddFile.Stats.
func computeStats(enc Encoder, numIndexedCols int32, statsColumns []string) (string, error) {
	cols := statsColumns
	if len(cols) == 0 {
		schema := enc.Schema()
		n := int(numIndexedCols)
		if n > len(schema) || n < 0 {
			n = len(schema)
		}
		cols = schema[:n]
	}

	sc, ok := enc.(StatsSource)
	if !ok {
		// Encoder doesn't expose column values for stats collection; report
		// row count only rather than failing the write.
		return marshalStats(fileStats{NumRecords: int64(enc.NumRows())})
	}

	stats := fileStats{
		NumRecords: int64(enc.NumRows()),
		MinValues:  map[string]any{},
		MaxValues:  map[string]any{},
		NullCounts: map[string]int64{},
	}
	for _, col := range cols {
		values := sc.ColumnValues(col)
		var min, max any
		var nulls int64
		for _, v := range values {
			if v == nil {
				nulls++
				continue
			}
			if min == nil || less(v, min) {
				min = v
			}
			if max == nil || less(max, v) {
				max = v
			}
		}
		if min != nil {
			stats.MinValues[col] = min
		}
		if max != nil {
			stats.MaxValues[col] = max
		}
		stats.NullCounts[col] = nulls
	}
	return marshalStats(stats)
}

func marshalStats(stats fileStats) (string, error) {
	b, err := json.Marshal(stats)
	if err != nil {
		return "", fmt.Errorf("writer: marshaling file stats: %w", err)
	}
	return string(b), nil
}

// StatsSource is an optional Encoder capability exposing the raw column
// values buffered since the last Reset, so computeStats can derive
// min/max/null-count without re-deriving them from the encoded bytes.
type StatsSource interface {
	ColumnValues(col string) []any
}

func less(a, b any) bool {
	switch av := a.(type) {
	case int:
		bv, _ := b.(int)
		return av < bv
	case int64:
		bv, _ := b.(int64)
		return av < bv
	case float64:
		bv, _ := b.(float64)
		return av < bv
	case string:
		bv, _ := b.(string)
		return av < bv
	default:
		return false
	}
}
