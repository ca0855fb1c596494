package store

import (
	"context"
	"fmt"
)

// ChunkSize is the number of rows materialised per batch during a chunked
// scan. Chosen so a batch fits comfortably in L2 cache for the 32-byte
// RawEvent / small struct shapes the rebuild engine decodes it into.
const ChunkSize = 4096

// Chunk is one batch of rows from a chunked scan, column-major: Cols[i] is
// the full batch's values for column i. Callers that want struct rows
// reassemble them; this shape avoids a per-row map/struct allocation while
// scanning.
type Chunk struct {
	Columns []string
	Cols    [][]any
	Len     int
}

// ChunkScanFunc is called once per chunk. Returning an error aborts the scan.
type ChunkScanFunc func(Chunk) error

// ChunkScan iterates all rows of query in ChunkSize-row batches, calling fn
// once per batch. Used by Rebuild Phase 1 (condition) and Phase 2 (the four
// event tables) so the caller doesn't pay a per-row allocation for what are,
// in the end, multi-million-row scans.
func (s *Store) ChunkScan(ctx context.Context, query string, fn ChunkScanFunc, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: chunk scan query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("store: chunk scan columns: %w", err)
	}

	chunk := newChunk(cols)
	scanBuf := make([]any, len(cols))
	ptrBuf := make([]any, len(cols))

	flush := func() error {
		if chunk.Len == 0 {
			return nil
		}
		if err := fn(*chunk); err != nil {
			return err
		}
		chunk = newChunk(cols)
		return nil
	}

	for rows.Next() {
		for i := range scanBuf {
			ptrBuf[i] = &scanBuf[i]
		}
		if err := rows.Scan(ptrBuf...); err != nil {
			return fmt.Errorf("store: chunk scan row: %w", err)
		}
		for i, v := range scanBuf {
			chunk.Cols[i] = append(chunk.Cols[i], normalizeValue(v))
		}
		chunk.Len++
		if chunk.Len >= ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return flush()
}

func newChunk(cols []string) *Chunk {
	c := &Chunk{Columns: cols, Cols: make([][]any, len(cols))}
	for i := range c.Cols {
		c.Cols[i] = make([]any, 0, ChunkSize)
	}
	return c
}

// Row reassembles logical row i of the chunk into a column-name map. Prefer
// working directly on Cols for hot loops; Row is for the occasional
// convenience access (e.g. error messages).
func (c Chunk) Row(i int) map[string]any {
	out := make(map[string]any, len(c.Columns))
	for j, name := range c.Columns {
		out[name] = c.Cols[j][i]
	}
	return out
}
