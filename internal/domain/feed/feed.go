// Package feed models a GTFS schedule feed as it moves through the sync
// pipeline: the fetched archive, the tables extracted from it, and the
// durable state (checkpoint and shape id mapping) the pipeline owns.
package feed

import (
	"path"
	"strings"
	"time"
)

// TableFileExt is the extension every GTFS table member carries inside the
// archive.
const TableFileExt = ".txt"

// Snapshot is the raw archive as fetched from the feed URL together with the
// remote modification time observed at fetch time. It lives for one run.
type Snapshot struct {
	Data         []byte
	LastModified time.Time
}

// Size returns the archive size in bytes.
func (s *Snapshot) Size() int { return len(s.Data) }

// ShapeIDMapping is one persisted (original id -> numeric id) pair.
type ShapeIDMapping struct {
	OriginalID string
	ShapeID    int64
}

// TableName returns the table name for an archive member, e.g.
// "stop_times.txt" -> "stop_times". Directory prefixes are dropped.
func TableName(member string) string {
	member = path.Base(member)
	if i := strings.LastIndex(member, "."); i >= 0 {
		return member[:i]
	}
	return member
}

// RawTable is a CSV member exactly as read from the archive: a header and
// string records. Empty cells are preserved as empty strings.
type RawTable struct {
	Name    string
	Header  []string
	Records [][]string
}

// Kind is the storage type of a table column.
type Kind int

const (
	// KindUnknown marks a column whose type is inferred from its values.
	KindUnknown Kind = iota
	KindText
	KindInteger
	KindFloat
	KindTimestamp
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Column is a named, typed table column.
type Column struct {
	Name string
	Kind Kind
}

// Table is a transformed record set ready for staging. Each row holds one
// value per column: nil, string, int64, float64 or time.Time, matching the
// column kind.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

// ColumnIndex returns the position of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table carries the named column.
func (t *Table) HasColumn(name string) bool { return t.ColumnIndex(name) >= 0 }

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// DropColumns removes the named columns. Names the table does not carry are
// ignored.
func (t *Table) DropColumns(names ...string) {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}

	keep := make([]int, 0, len(t.Columns))
	cols := make([]Column, 0, len(t.Columns))
	for i, c := range t.Columns {
		if _, ok := drop[c.Name]; ok {
			continue
		}
		keep = append(keep, i)
		cols = append(cols, c)
	}
	if len(cols) == len(t.Columns) {
		return
	}

	for r, row := range t.Rows {
		out := make([]any, len(keep))
		for j, i := range keep {
			out[j] = row[i]
		}
		t.Rows[r] = out
	}
	t.Columns = cols
}

// AddNullColumn appends a column whose value is nil on every row.
func (t *Table) AddNullColumn(c Column) {
	t.Columns = append(t.Columns, c)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], nil)
	}
}
