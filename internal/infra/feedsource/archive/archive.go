// Package archive opens a fetched GTFS zip and reads its table members.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
)

// excludedTables carry feed metadata and agency identity only.
var excludedTables = map[string]struct{}{
	"agency.txt":    {},
	"feed_info.txt": {},
}

var _ feed.Archive = (*Archive)(nil)

// Archive is an opened GTFS zip.
type Archive struct {
	members []string
	files   map[string]*zip.File
}

// Open is a feed.ArchiveOpener over the snapshot bytes.
func Open(s *feed.Snapshot) (feed.Archive, error) {
	return New(s.Data)
}

// New opens data as a zip container.
func New(data []byte) (*Archive, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening feed archive: %w", err)
	}

	a := &Archive{files: make(map[string]*zip.File, len(reader.File))}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, feed.TableFileExt) {
			continue
		}
		if _, skip := excludedTables[path.Base(f.Name)]; skip {
			continue
		}
		a.members = append(a.members, f.Name)
		a.files[f.Name] = f
	}
	return a, nil
}

// Members returns the table members in archive order.
func (a *Archive) Members() []string {
	out := make([]string, len(a.members))
	copy(out, a.members)
	return out
}

// Read parses member as CSV. A UTF byte order mark is honored and stripped.
func (a *Archive) Read(member string) (*feed.RawTable, error) {
	f, ok := a.files[member]
	if !ok {
		return nil, fmt.Errorf("no %q member in feed archive", member)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", member, err)
	}
	defer rc.Close()

	r := bomAwareCSVReader(rc)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%q contains no rows", member)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q header: %w", member, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", member, err)
	}

	return &feed.RawTable{
		Name:    feed.TableName(member),
		Header:  header,
		Records: records,
	}, nil
}

func bomAwareCSVReader(r io.Reader) *csv.Reader {
	decoder := unicode.BOMOverride(encoding.Nop.NewDecoder())
	return csv.NewReader(transform.NewReader(r, decoder))
}
