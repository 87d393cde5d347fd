package feed

import (
	"context"
	"time"
)

// Source is the remote feed: a cheap metadata probe and a full fetch of the
// same archive URL.
type Source interface {
	// LastModified returns the remote modification time without downloading
	// the archive.
	LastModified(ctx context.Context) (time.Time, error)
	// Fetch downloads the full archive.
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Archive enumerates and reads the table members of a fetched snapshot.
type Archive interface {
	// Members returns the transformable table members in archive order.
	Members() []string
	// Read parses one member into a raw table.
	Read(member string) (*RawTable, error)
}

// ArchiveOpener opens a fetched snapshot as an Archive.
type ArchiveOpener func(s *Snapshot) (Archive, error)

// CheckpointRepository persists the modification time of the last
// successfully merged feed.
type CheckpointRepository interface {
	// Load returns the stored checkpoint, or the Unix epoch if none exists.
	Load(ctx context.Context) (time.Time, error)
	// Save stores ts, updating the existing row or inserting one.
	Save(ctx context.Context, ts time.Time) error
}

// ShapeIDRepository persists the append-only shape id mapping.
type ShapeIDRepository interface {
	// LoadAll returns every stored mapping.
	LoadAll(ctx context.Context) ([]ShapeIDMapping, error)
	// Append stores new mappings. Existing mappings are never modified.
	Append(ctx context.Context, mappings []ShapeIDMapping) error
}

// StagingRepository fully replaces the staging table for a transformed table.
type StagingRepository interface {
	Replace(ctx context.Context, table *Table) error
}

// Merger runs the server-side merge of all staging tables into the
// canonical tables and returns the number of rows affected.
type Merger interface {
	Merge(ctx context.Context) (int64, error)
}
