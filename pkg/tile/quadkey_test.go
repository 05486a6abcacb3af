package tile

import (
	"errors"
	"math/rand"
	"testing"
)

func keyEquals(t *testing.T, name string, exp, act QuadKey) {
	t.Helper()
	if exp != act {
		t.Fatalf("Expected %s to be %s but was %s.", name, exp, act)
	}
}

func TestMortonRoundTripExhaustive(t *testing.T) {
	for depth := uint32(0); depth <= 6; depth++ {
		n := uint32(1) << depth
		for row := uint32(0); row < n; row++ {
			for col := uint32(0); col < n; col++ {
				q := QuadKey{Row: row, Column: col, Depth: depth}
				back, err := FromMortonCode(q.MortonCode())
				if err != nil {
					t.Fatalf("Unable to decode %d for %s: %s", q.MortonCode(), q, err)
				}
				keyEquals(t, "decoded key", q, back)
			}
		}
	}
}

func TestMortonRoundTripDeep(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for depth := uint32(7); depth <= MaxDepth; depth++ {
		limit := uint64(1) << depth
		for i := 0; i < 200; i++ {
			q := QuadKey{
				Row:    uint32(rng.Uint64() % limit),
				Column: uint32(rng.Uint64() % limit),
				Depth:  depth,
			}
			back, err := FromMortonCode(q.MortonCode())
			if err != nil {
				t.Fatalf("Unable to decode %s: %s", q, err)
			}
			keyEquals(t, "decoded key", q, back)
		}
	}

	corner := QuadKey{Row: 1<<MaxDepth - 1, Column: 1<<MaxDepth - 1, Depth: MaxDepth}
	back, err := FromMortonCode(corner.MortonCode())
	if err != nil {
		t.Fatalf("Unable to decode max corner: %s", err)
	}
	keyEquals(t, "max corner", corner, back)
}

func TestMortonKnownCodes(t *testing.T) {
	checks := []struct {
		key  QuadKey
		code uint64
	}{
		{QuadKey{}, 1},
		{QuadKey{Row: 0, Column: 0, Depth: 1}, 4},
		{QuadKey{Row: 0, Column: 1, Depth: 1}, 5},
		{QuadKey{Row: 1, Column: 0, Depth: 1}, 6},
		{QuadKey{Row: 1, Column: 1, Depth: 1}, 7},
		{QuadKey{Row: 1, Column: 2, Depth: 2}, 22},
	}
	for _, c := range checks {
		if got := c.key.MortonCode(); got != c.code {
			t.Fatalf("Expected %s to encode to %d but got %d.", c.key, c.code, got)
		}
	}
}

func TestFromMortonCodeInvalid(t *testing.T) {
	for _, code := range []uint64{0, 2, 3, 8, 32} {
		if _, err := FromMortonCode(code); !errors.Is(err, ErrInvalidMortonCode) {
			t.Fatalf("Expected %d to be rejected, got %v", code, err)
		}
	}
	if _, err := ParseMortonCode("abc"); !errors.Is(err, ErrInvalidMortonCode) {
		t.Fatalf("Expected non numeric partition to be rejected, got %v", err)
	}
}

func TestParentOfRootFails(t *testing.T) {
	_, err := Root.Parent()
	if !errors.Is(err, ErrRootHasNoParent) {
		t.Fatalf("Expected ErrRootHasNoParent, got %v", err)
	}
}

func TestParentDropsTwoBits(t *testing.T) {
	q, err := ParseMortonCode("23618359")
	if err != nil {
		t.Fatalf("Unable to parse: %s", err)
	}
	p, err := q.Parent()
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if p.MortonCode() != 23618359>>2 {
		t.Fatalf("Expected parent code %d but got %d", 23618359>>2, p.MortonCode())
	}

	q, _ = ParseMortonCode("5904591")
	a, err := q.Ancestor(3)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if a.MortonCode() != 92259 {
		t.Fatalf("Expected ancestor code 92259 but got %d", a.MortonCode())
	}
}

func TestAncestorMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		depth := uint32(rng.Intn(MaxDepth) + 1)
		limit := uint64(1) << depth
		b := QuadKey{Row: uint32(rng.Uint64() % limit), Column: uint32(rng.Uint64() % limit), Depth: depth}
		levels := uint32(rng.Intn(int(depth))) + 1
		a, err := b.Ancestor(levels)
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}

		if !a.IsAncestorOf(b) {
			t.Fatalf("Expected %s to be an ancestor of %s", a, b)
		}
		if b.IsAncestorOf(a) {
			t.Fatalf("Did not expect %s to be an ancestor of %s", b, a)
		}
		delta, err := DepthDelta(a, b)
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		if delta == 0 || delta != levels {
			t.Fatalf("Expected depth delta %d but got %d", levels, delta)
		}
	}

	q := QuadKey{Row: 3, Column: 1, Depth: 2}
	if !q.IsAncestorOf(q) {
		t.Fatalf("Expected a key to cover itself")
	}
	if _, err := DepthDelta(QuadKey{Row: 1, Column: 1, Depth: 1}, QuadKey{Row: 0, Column: 0, Depth: 2}); !errors.Is(err, ErrNotAncestor) {
		t.Fatalf("Expected ErrNotAncestor, got %v", err)
	}
}

func TestRelativeAndSubQuad(t *testing.T) {
	ancestor := QuadKey{Row: 5, Column: 3, Depth: 3}
	child := QuadKey{Row: 5<<2 | 2, Column: 3<<2 | 1, Depth: 5}

	rel, err := child.RelativeTo(ancestor)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	keyEquals(t, "relative key", QuadKey{Row: 2, Column: 1, Depth: 2}, rel)

	back, err := ancestor.AddSubQuad(rel)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	keyEquals(t, "resolved sub quad", child, back)

	// relative code 1 is the tile itself
	self, _ := FromMortonCode(1)
	same, err := ancestor.AddSubQuad(self)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	keyEquals(t, "self sub quad", ancestor, same)
}

func TestChildren(t *testing.T) {
	q := QuadKey{Row: 1, Column: 2, Depth: 2}
	children, err := q.Children()
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	for i, c := range children {
		if c.MortonCode() != q.MortonCode()<<2|uint64(i) {
			t.Fatalf("Child %d of %s has code %d", i, q, c.MortonCode())
		}
		p, _ := c.Parent()
		keyEquals(t, "parent of child", q, p)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(4, 0, 2); !errors.Is(err, ErrInvalidQuadKey) {
		t.Fatalf("Expected row 4 at depth 2 to be invalid, got %v", err)
	}
	if _, err := New(0, 0, MaxDepth+1); !errors.Is(err, ErrInvalidQuadKey) {
		t.Fatalf("Expected depth above MaxDepth to be invalid, got %v", err)
	}
	if _, err := New(3, 3, 2); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
}
