package tile

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

// MaxDepth is the deepest level a Morton code can address. The code carries a
// marker bit above the interleaved row/column bits, so 2*MaxDepth+1 bits must
// fit in a uint64.
const MaxDepth = 31

var (
	ErrInvalidQuadKey    = errors.New("invalid quad key")
	ErrInvalidMortonCode = errors.New("invalid morton code")
	ErrRootHasNoParent   = errors.New("root tile has no parent")
	ErrNotAncestor       = errors.New("quad key is not an ancestor")
)

// QuadKey addresses a tile of a recursively subdivided map. Row and Column
// are both in [0, 2^Depth).
type QuadKey struct {
	Row, Column, Depth uint32
}

// Root is the single depth 0 tile that covers the whole addressable space.
var Root = QuadKey{}

func New(row, column, depth uint32) (QuadKey, error) {
	q := QuadKey{Row: row, Column: column, Depth: depth}
	if !q.Valid() {
		return QuadKey{}, fmt.Errorf("%w: %s", ErrInvalidQuadKey, q)
	}
	return q, nil
}

func (q QuadKey) Valid() bool {
	if q.Depth > MaxDepth {
		return false
	}
	limit := uint64(1) << q.Depth
	return uint64(q.Row) < limit && uint64(q.Column) < limit
}

func (q QuadKey) String() string {
	return fmt.Sprintf("%d/%d/%d", q.Depth, q.Row, q.Column)
}

// MortonCode interleaves row bits (odd positions) with column bits (even
// positions) and sets the marker bit 1<<(2*Depth).
func (q QuadKey) MortonCode() uint64 {
	var code uint64
	for i := uint32(0); i < q.Depth; i++ {
		mask := uint64(1) << i
		code |= (uint64(q.Row) & mask) << (i + 1)
		code |= (uint64(q.Column) & mask) << i
	}
	return code | uint64(1)<<(2*q.Depth)
}

// MortonString is the decimal Morton code, which is also the partition id
// of the tile in a tiled layer.
func (q QuadKey) MortonString() string {
	return strconv.FormatUint(q.MortonCode(), 10)
}

func FromMortonCode(code uint64) (QuadKey, error) {
	if code == 0 {
		return QuadKey{}, fmt.Errorf("%w: 0", ErrInvalidMortonCode)
	}
	marker := bits.Len64(code) - 1
	if marker%2 != 0 {
		return QuadKey{}, fmt.Errorf("%w: %d has no marker bit at an even position", ErrInvalidMortonCode, code)
	}

	q := QuadKey{Depth: uint32(marker / 2)}
	for i := uint32(0); i < q.Depth; i++ {
		q.Column |= uint32((code>>(2*i))&1) << i
		q.Row |= uint32((code>>(2*i+1))&1) << i
	}
	return q, nil
}

func ParseMortonCode(s string) (QuadKey, error) {
	code, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return QuadKey{}, fmt.Errorf("%w: %q", ErrInvalidMortonCode, s)
	}
	return FromMortonCode(code)
}

func (q QuadKey) Parent() (QuadKey, error) {
	if q.Depth == 0 {
		return QuadKey{}, ErrRootHasNoParent
	}
	return QuadKey{Row: q.Row >> 1, Column: q.Column >> 1, Depth: q.Depth - 1}, nil
}

// Ancestor returns the tile levels above q. Ancestor(0) is q itself.
func (q QuadKey) Ancestor(levels uint32) (QuadKey, error) {
	if levels > q.Depth {
		return QuadKey{}, fmt.Errorf("%w: %d levels above %s", ErrRootHasNoParent, levels, q)
	}
	return QuadKey{Row: q.Row >> levels, Column: q.Column >> levels, Depth: q.Depth - levels}, nil
}

// Children are ordered by the two low bits of their Morton code.
func (q QuadKey) Children() ([4]QuadKey, error) {
	var out [4]QuadKey
	if q.Depth >= MaxDepth {
		return out, fmt.Errorf("%w: %s has no children below depth %d", ErrInvalidQuadKey, q, MaxDepth)
	}
	for i := uint32(0); i < 4; i++ {
		out[i] = QuadKey{
			Row:    q.Row<<1 | i>>1,
			Column: q.Column<<1 | i&1,
			Depth:  q.Depth + 1,
		}
	}
	return out, nil
}

// IsAncestorOf reports whether q covers other. Every key is an ancestor of
// itself; compare depths for the strict relation.
func (q QuadKey) IsAncestorOf(other QuadKey) bool {
	if q.Depth > other.Depth {
		return false
	}
	a, err := other.Ancestor(other.Depth - q.Depth)
	return err == nil && a == q
}

func DepthDelta(ancestor, descendant QuadKey) (uint32, error) {
	if !ancestor.IsAncestorOf(descendant) {
		return 0, fmt.Errorf("%w: %s of %s", ErrNotAncestor, ancestor, descendant)
	}
	return descendant.Depth - ancestor.Depth, nil
}

// RelativeTo returns the offset of q inside the subtree rooted at ancestor,
// as a key whose depth is the depth delta.
func (q QuadKey) RelativeTo(ancestor QuadKey) (QuadKey, error) {
	delta, err := DepthDelta(ancestor, q)
	if err != nil {
		return QuadKey{}, err
	}
	return QuadKey{
		Row:    q.Row - ancestor.Row<<delta,
		Column: q.Column - ancestor.Column<<delta,
		Depth:  delta,
	}, nil
}

// AddSubQuad is the inverse of RelativeTo: it resolves a relative key below q.
func (q QuadKey) AddSubQuad(rel QuadKey) (QuadKey, error) {
	if !rel.Valid() || q.Depth+rel.Depth > MaxDepth {
		return QuadKey{}, fmt.Errorf("%w: %s below %s", ErrInvalidQuadKey, rel, q)
	}
	return QuadKey{
		Row:    q.Row<<rel.Depth | rel.Row,
		Column: q.Column<<rel.Depth | rel.Column,
		Depth:  q.Depth + rel.Depth,
	}, nil
}
