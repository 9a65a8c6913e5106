package copier

import (
	"context"
	"fmt"

	"dbcopier/pkg/catalog"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/copyerr"
	"dbcopier/services/store"
)

// RowSaver persists row updates.
type RowSaver interface {
	SaveRow(ctx context.Context, r *store.Row) error
}

// Verifier reconciles per-table row counts and sizes between source and
// destination. Row count is authoritative; a size difference alone is
// accepted.
type Verifier struct {
	rows    RowSaver
	catalog catalog.Catalog
}

// NewVerifier returns a Verifier writing results through rows.
func NewVerifier(rows RowSaver, cat catalog.Catalog) *Verifier {
	return &Verifier{rows: rows, catalog: cat}
}

// Endpoint is one side of the comparison.
type Endpoint struct {
	Conn     connections.Connection
	Database string
}

// Verify checks rows in order and stops at the first failing table.
func (v *Verifier) Verify(ctx context.Context, rows []store.Row, source, dest Endpoint) error {
	if len(rows) == 0 {
		return nil
	}

	names := tableNames(rows)
	sourceStats, err := v.catalog.TableStats(ctx, source.Conn, source.Database, names)
	if err != nil {
		return fmt.Errorf("source statistics: %w", err)
	}
	destStats, err := v.catalog.TableStats(ctx, dest.Conn, dest.Database, names)
	if err != nil {
		return fmt.Errorf("destination statistics: %w", err)
	}

	for i := range rows {
		row := &rows[i]
		src, okSrc := sourceStats[row.Name]
		dst, okDst := destStats[row.Name]
		if !okSrc || !okDst {
			return copyerr.New(copyerr.Verification, "missing statistics for table %s", row.Name)
		}

		row.SourceRowCount = &src.RowCount
		row.DestRowCount = &dst.RowCount
		row.SourceSize = &src.Size
		row.DestSize = &dst.Size

		var failure error
		switch {
		case src.RowCount != dst.RowCount && src.Size != dst.Size:
			failure = copyerr.New(copyerr.Verification, "row count and size both mismatch for %s", row.Name)
		case src.RowCount != dst.RowCount:
			failure = copyerr.New(copyerr.Verification, "row count mismatch for %s", row.Name)
		}

		if failure != nil {
			msg := failure.Error()
			row.Status = store.RowFailed
			row.ErrorMessage = &msg
		} else {
			row.Status = store.RowVerified
			row.ErrorMessage = nil
		}

		if err := v.rows.SaveRow(ctx, row); err != nil {
			return fmt.Errorf("save row %s: %w", row.Name, err)
		}
		if failure != nil {
			return failure
		}
	}
	return nil
}

func tableNames(rows []store.Row) []string {
	seen := make(map[string]bool, len(rows))
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		names = append(names, r.Name)
	}
	return names
}
