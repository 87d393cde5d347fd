package feed

import (
	"fmt"
	"strconv"
	"strings"
)

// FirstShapeID is the numeric id handed out when the mapping is empty.
// Every allocated id is at least this value.
const FirstShapeID int64 = 100000

// MissingShapeID stands in for an empty shape_id cell so the row still
// resolves to a deterministic numeric id.
const MissingShapeID = "__missing__"

// ShapeIDPolicy selects how numeric-looking shape ids are treated.
type ShapeIDPolicy string

const (
	// ShapeIDPolicyResolveAll maps every original id, numeric-looking or not,
	// through the allocator.
	ShapeIDPolicyResolveAll ShapeIDPolicy = "resolve_all"
	// ShapeIDPolicyPassthroughNumeric keeps ids that already parse as
	// non-negative integers and allocates only for the rest. Pass-through ids
	// are persisted as identity mappings so later runs never allocate them.
	ShapeIDPolicyPassthroughNumeric ShapeIDPolicy = "passthrough_numeric"
)

// ParseShapeIDPolicy validates a configured policy name. The empty string
// selects ShapeIDPolicyResolveAll.
func ParseShapeIDPolicy(s string) (ShapeIDPolicy, error) {
	switch ShapeIDPolicy(s) {
	case "", ShapeIDPolicyResolveAll:
		return ShapeIDPolicyResolveAll, nil
	case ShapeIDPolicyPassthroughNumeric:
		return ShapeIDPolicyPassthroughNumeric, nil
	default:
		return "", fmt.Errorf("unknown shape id policy %q", s)
	}
}

// ShapeIDAllocator maps arbitrary textual shape ids to dense, strictly
// increasing integers. It is loaded once per run from the persisted mapping;
// allocations made during the run are held as pending until the caller
// persists them and calls MarkPersisted.
//
// The allocator is not safe for concurrent use. A run owns it exclusively.
type ShapeIDAllocator struct {
	policy ShapeIDPolicy

	ids    map[string]int64
	owners map[int64]string
	next   int64

	pending []ShapeIDMapping
}

// NewShapeIDAllocator builds an allocator over the persisted mapping. It
// returns ErrShapeIDInvariant if the mapping is not injective.
func NewShapeIDAllocator(policy ShapeIDPolicy, existing []ShapeIDMapping) (*ShapeIDAllocator, error) {
	a := &ShapeIDAllocator{
		policy: policy,
		ids:    make(map[string]int64, len(existing)),
		owners: make(map[int64]string, len(existing)),
		next:   FirstShapeID,
	}

	for _, m := range existing {
		if id, ok := a.ids[m.OriginalID]; ok && id != m.ShapeID {
			return nil, fmt.Errorf("%w: original id %q mapped to both %d and %d",
				ErrShapeIDInvariant, m.OriginalID, id, m.ShapeID)
		}
		if owner, ok := a.owners[m.ShapeID]; ok && owner != m.OriginalID {
			return nil, fmt.Errorf("%w: shape id %d shared by %q and %q",
				ErrShapeIDInvariant, m.ShapeID, owner, m.OriginalID)
		}
		a.ids[m.OriginalID] = m.ShapeID
		a.owners[m.ShapeID] = m.OriginalID
		// Identity mappings reserve their id without moving the counter.
		if m.OriginalID != strconv.FormatInt(m.ShapeID, 10) && m.ShapeID >= a.next {
			a.next = m.ShapeID + 1
		}
	}

	return a, nil
}

// Policy returns the configured policy.
func (a *ShapeIDAllocator) Policy() ShapeIDPolicy { return a.policy }

// Len returns the number of mapped original ids, persisted or pending.
func (a *ShapeIDAllocator) Len() int { return len(a.ids) }

// Resolve returns the numeric id for original, allocating the next id if the
// original has never been seen. Empty ids resolve through MissingShapeID.
func (a *ShapeIDAllocator) Resolve(original string) (int64, error) {
	original = strings.TrimSpace(original)
	if original == "" {
		original = MissingShapeID
	}

	if id, ok := a.ids[original]; ok {
		return id, nil
	}

	if a.policy == ShapeIDPolicyPassthroughNumeric {
		if n, err := strconv.ParseInt(original, 10, 64); err == nil && n >= 0 {
			return a.passthrough(original, n)
		}
	}

	id := a.next
	for {
		if _, taken := a.owners[id]; !taken {
			break
		}
		id++
	}
	a.next = id + 1

	a.ids[original] = id
	a.owners[id] = original
	a.pending = append(a.pending, ShapeIDMapping{OriginalID: original, ShapeID: id})

	return id, nil
}

// passthrough keeps a numeric id as-is and queues the identity mapping, so
// allocations in this and later runs skip it.
func (a *ShapeIDAllocator) passthrough(original string, n int64) (int64, error) {
	if owner, ok := a.owners[n]; ok && owner != original {
		return 0, fmt.Errorf("%w: numeric shape id %q collides with id allocated to %q",
			ErrShapeIDInvariant, original, owner)
	}
	a.ids[original] = n
	a.owners[n] = original
	a.pending = append(a.pending, ShapeIDMapping{OriginalID: original, ShapeID: n})
	return n, nil
}

// Pending returns the allocations not yet persisted, in allocation order.
func (a *ShapeIDAllocator) Pending() []ShapeIDMapping {
	out := make([]ShapeIDMapping, len(a.pending))
	copy(out, a.pending)
	return out
}

// MarkPersisted clears the pending allocations once the caller has stored
// them.
func (a *ShapeIDAllocator) MarkPersisted() { a.pending = a.pending[:0] }
