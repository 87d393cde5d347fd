package feed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is the civil timezone GTFS service dates are localized to.
const DefaultTimezone = "Pacific/Honolulu"

const gtfsDateLayout = "20060102"

// Table names with table-specific rules.
const (
	TableRoutes        = "routes"
	TableStops         = "stops"
	TableTrips         = "trips"
	TableStopTimes     = "stop_times"
	TableShapes        = "shapes"
	TableCalendar      = "calendar"
	TableCalendarDates = "calendar_dates"
)

var dateColumns = []string{"date", "start_date", "end_date"}

// dropColumns lists the free-text and cosmetic columns removed per table.
var dropColumns = map[string][]string{
	TableStopTimes: {"stop_headsign", "timepoint"},
	TableRoutes:    {"route_desc", "route_color", "route_text_color"},
	TableStops:     {"stop_desc", "zone_id", "location_type", "parent_station"},
}

// canonicalColumns are the columns the merge procedure reads from each
// staging table, with their storage kinds. Keep in sync with
// db/migrations.
var canonicalColumns = map[string][]Column{
	TableRoutes: {
		{"route_id", KindText},
		{"agency_id", KindText},
		{"route_short_name", KindText},
		{"route_long_name", KindText},
		{"route_type", KindInteger},
	},
	TableStops: {
		{"stop_id", KindText},
		{"stop_code", KindText},
		{"stop_name", KindText},
		{"stop_lat", KindFloat},
		{"stop_lon", KindFloat},
	},
	TableTrips: {
		{"route_id", KindText},
		{"service_id", KindText},
		{"trip_id", KindText},
		{"trip_headsign", KindText},
		{"direction_id", KindInteger},
		{"block_id", KindText},
		{"shape_id", KindInteger},
	},
	TableStopTimes: {
		{"trip_id", KindText},
		{"arrival_time", KindInteger},
		{"departure_time", KindInteger},
		{"stop_id", KindText},
		{"stop_sequence", KindInteger},
		{"pickup_type", KindInteger},
		{"drop_off_type", KindInteger},
		{"shape_dist_traveled", KindFloat},
	},
	TableShapes: {
		{"shape_id", KindInteger},
		{"shape_pt_lat", KindFloat},
		{"shape_pt_lon", KindFloat},
		{"shape_pt_sequence", KindInteger},
	},
	TableCalendar: {
		{"service_id", KindText},
		{"monday", KindInteger},
		{"tuesday", KindInteger},
		{"wednesday", KindInteger},
		{"thursday", KindInteger},
		{"friday", KindInteger},
		{"saturday", KindInteger},
		{"sunday", KindInteger},
		{"start_date", KindTimestamp},
		{"end_date", KindTimestamp},
	},
	TableCalendarDates: {
		{"service_id", KindText},
		{"date", KindTimestamp},
		{"exception_type", KindInteger},
	},
}

// CanonicalColumns returns the columns the merge reads for table, or nil for
// tables the merge does not consume.
func CanonicalColumns(table string) []Column {
	cols := canonicalColumns[table]
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

// TransformReport summarizes what a transform did to one table.
type TransformReport struct {
	Rows              int
	DuplicatesRemoved int
	ShapeIDsAllocated int
}

// Transformer applies the per-table column rules that turn a raw GTFS table
// into a staging-ready record set.
type Transformer struct {
	loc    *time.Location
	shapes *ShapeIDAllocator
}

// NewTransformer creates a transformer localizing dates to loc and resolving
// shape ids through shapes.
func NewTransformer(loc *time.Location, shapes *ShapeIDAllocator) *Transformer {
	return &Transformer{loc: loc, shapes: shapes}
}

// Transform reshapes raw into a typed table. Rules apply in a fixed order:
// date columns, shape ids (with shapes deduplication), schedule times and
// table-specific drops, canonical column completion, then type inference for
// everything left untyped. raw is not modified.
func (t *Transformer) Transform(raw *RawTable) (*Table, TransformReport, error) {
	var report TransformReport
	tbl := newTable(raw)

	for _, name := range dateColumns {
		if err := t.convertColumn(tbl, name, KindTimestamp, t.parseDate); err != nil {
			return nil, report, err
		}
	}

	if tbl.HasColumn("shape_id") {
		allocated, err := t.resolveShapeIDs(tbl)
		if err != nil {
			return nil, report, err
		}
		report.ShapeIDsAllocated = allocated

		if tbl.Name == TableShapes {
			removed, err := dedupeShapePoints(tbl)
			if err != nil {
				return nil, report, err
			}
			report.DuplicatesRemoved = removed
		}
	}

	switch tbl.Name {
	case TableStopTimes:
		setKind(tbl, "stop_id", KindText)
		for _, name := range []string{"arrival_time", "departure_time"} {
			if err := t.convertColumn(tbl, name, KindInteger, parseScheduleTime); err != nil {
				return nil, report, err
			}
		}
	case TableStops:
		setKind(tbl, "stop_id", KindText)
	}
	tbl.DropColumns(dropColumns[tbl.Name]...)

	for _, c := range canonicalColumns[tbl.Name] {
		if !tbl.HasColumn(c.Name) {
			tbl.AddNullColumn(c)
			continue
		}
		setKind(tbl, c.Name, c.Kind)
	}

	if err := finalizeKinds(tbl); err != nil {
		return nil, report, err
	}

	report.Rows = len(tbl.Rows)
	return tbl, report, nil
}

func newTable(raw *RawTable) *Table {
	tbl := &Table{
		Name:    raw.Name,
		Columns: make([]Column, len(raw.Header)),
		Rows:    make([][]any, 0, len(raw.Records)),
	}
	for i, h := range raw.Header {
		tbl.Columns[i] = Column{Name: strings.TrimSpace(h)}
	}

	for _, rec := range raw.Records {
		row := make([]any, len(raw.Header))
		for i := range row {
			if i < len(rec) && rec[i] != "" {
				row[i] = rec[i]
			}
		}
		tbl.Rows = append(tbl.Rows, row)
	}
	return tbl
}

// convertColumn parses every non-nil string in the named column with parse
// and marks the column with kind. Missing columns are skipped.
func (t *Transformer) convertColumn(tbl *Table, name string, kind Kind, parse func(string) (any, error)) error {
	idx := tbl.ColumnIndex(name)
	if idx < 0 {
		return nil
	}

	for r, row := range tbl.Rows {
		s, ok := row[idx].(string)
		if !ok {
			continue
		}
		v, err := parse(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("%s: column %s row %d: %w", tbl.Name, name, r+1, err)
		}
		row[idx] = v
	}
	tbl.Columns[idx].Kind = kind
	return nil
}

func (t *Transformer) parseDate(s string) (any, error) {
	d, err := time.ParseInLocation(gtfsDateLayout, s, t.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// resolveShapeIDs replaces every shape_id with its allocated numeric id and
// returns how many new ids were allocated.
func (t *Transformer) resolveShapeIDs(tbl *Table) (int, error) {
	idx := tbl.ColumnIndex("shape_id")
	before := len(t.shapes.Pending())

	for r, row := range tbl.Rows {
		orig, _ := row[idx].(string)
		id, err := t.shapes.Resolve(orig)
		if err != nil {
			return 0, fmt.Errorf("%s: row %d: %w", tbl.Name, r+1, err)
		}
		if id <= 0 {
			return 0, fmt.Errorf("%w: %s row %d: shape id %q left unmapped",
				ErrShapeIDInvariant, tbl.Name, r+1, orig)
		}
		row[idx] = id
	}
	tbl.Columns[idx].Kind = KindInteger

	return len(t.shapes.Pending()) - before, nil
}

type shapePointKey struct {
	shapeID  int64
	sequence string
}

// dedupeShapePoints keeps the first row for every (shape_id,
// shape_pt_sequence) pair. Sequences are compared by numeric value when they
// parse as integers, so "01" and "1" are the same point.
func dedupeShapePoints(tbl *Table) (int, error) {
	idIdx := tbl.ColumnIndex("shape_id")
	seqIdx := tbl.ColumnIndex("shape_pt_sequence")
	if seqIdx < 0 {
		return 0, fmt.Errorf("%s: %w: shape_pt_sequence", tbl.Name, ErrMissingColumn)
	}

	seen := make(map[shapePointKey]struct{}, len(tbl.Rows))
	kept := tbl.Rows[:0]
	for _, row := range tbl.Rows {
		key := shapePointKey{shapeID: row[idIdx].(int64), sequence: normalizeSequence(row[seqIdx])}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, row)
	}

	removed := len(tbl.Rows) - len(kept)
	tbl.Rows = kept
	return removed, nil
}

func normalizeSequence(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if n, err := parseInteger(s); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return s
}

// parseScheduleTime converts an H:MM:SS schedule time into seconds since
// midnight. Hours may exceed 23 for trips running past midnight.
func parseScheduleTime(s string) (any, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid schedule time %q", s)
	}

	var fields [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid schedule time %q", s)
		}
		fields[i] = n
	}
	h, m, sec := fields[0], fields[1], fields[2]
	if m > 59 || sec > 59 {
		return nil, fmt.Errorf("invalid schedule time %q", s)
	}

	return h*3600 + m*60 + sec, nil
}

func setKind(tbl *Table, name string, kind Kind) {
	if idx := tbl.ColumnIndex(name); idx >= 0 && tbl.Columns[idx].Kind == KindUnknown {
		tbl.Columns[idx].Kind = kind
	}
}

// finalizeKinds infers a kind for every column still unknown and converts
// remaining string cells of integer and float columns.
func finalizeKinds(tbl *Table) error {
	for idx := range tbl.Columns {
		col := &tbl.Columns[idx]
		if col.Kind == KindUnknown {
			col.Kind = inferKind(tbl.Rows, idx)
		}

		var parse func(string) (any, error)
		switch col.Kind {
		case KindInteger:
			parse = func(s string) (any, error) { return parseInteger(s) }
		case KindFloat:
			parse = func(s string) (any, error) { return strconv.ParseFloat(s, 64) }
		default:
			continue
		}

		for r, row := range tbl.Rows {
			s, ok := row[idx].(string)
			if !ok {
				continue
			}
			v, err := parse(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("%s: column %s row %d: invalid %s %q", tbl.Name, col.Name, r+1, col.Kind, s)
			}
			row[idx] = v
		}
	}
	return nil
}

func inferKind(rows [][]any, idx int) Kind {
	kind := KindInteger
	seen := false
	for _, row := range rows {
		s, ok := row[idx].(string)
		if !ok {
			continue
		}
		seen = true
		s = strings.TrimSpace(s)
		if kind == KindInteger {
			if _, err := strconv.ParseInt(s, 10, 64); err == nil {
				continue
			}
			kind = KindFloat
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return KindText
		}
	}
	if !seen {
		return KindText
	}
	return kind
}

// parseInteger accepts plain integers and integral decimals such as "3.0".
func parseInteger(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int64(f), nil
}
