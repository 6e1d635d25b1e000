package storage

import "espacios/internal/dataset"

// TableRows flattens a dataset into the column list and positional rows that
// ReplaceTableContents takes. Rows share the dataset's backing values.
func TableRows(ds *dataset.Dataset) ([]string, [][]any) {
	rows := make([][]any, ds.Len())
	for i, r := range ds.Rows() {
		rows[i] = r
	}
	return ds.ColumnNames(), rows
}

// Chunk splits rows so that no batch binds more than maxParams placeholders.
// It always makes progress, even when a single row exceeds the limit.
func Chunk(rows [][]any, columns, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if columns > 0 && maxParams > columns {
		per = maxParams / columns
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
