package ot

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildersMerge(t *testing.T) {
	op := New()
	op.Retain(2)
	op.Retain(3)
	op.Insert("ab")
	op.Insert("cd")
	op.Delete(1)
	op.Delete(2)

	require.Len(t, op.Ops(), 3)
	assert.Equal(t, Op{N: 5}, op.Ops()[0])
	assert.Equal(t, Op{S: "abcd"}, op.Ops()[1])
	assert.Equal(t, Op{N: -3}, op.Ops()[2])
	assert.Equal(t, 8, op.BaseLen())
	assert.Equal(t, 9, op.TargetLen())
}

func TestInsertAfterDeleteReorders(t *testing.T) {
	op := New()
	op.Retain(1)
	op.Delete(2)
	op.Insert("x")

	// Insert is ordered before the delete so the form stays canonical.
	require.Len(t, op.Ops(), 3)
	assert.Equal(t, Op{N: 1}, op.Ops()[0])
	assert.Equal(t, Op{S: "x"}, op.Ops()[1])
	assert.Equal(t, Op{N: -2}, op.Ops()[2])

	op.Insert("y")
	require.Len(t, op.Ops(), 3)
	assert.Equal(t, Op{S: "xy"}, op.Ops()[1])
}

func TestZeroBuildersAreNoops(t *testing.T) {
	op := New()
	op.Retain(0)
	op.Insert("")
	op.Delete(0)
	assert.Empty(t, op.Ops())
	assert.True(t, op.IsNoop())
}

func TestIsNoop(t *testing.T) {
	op := New()
	assert.True(t, op.IsNoop())
	op.Retain(5)
	assert.True(t, op.IsNoop())
	op.Insert("x")
	assert.False(t, op.IsNoop())
}

func TestApply(t *testing.T) {
	op := New()
	op.Retain(5)
	op.Insert(", world")
	op.Delete(1)

	got, err := op.Apply("hello!")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", got)
}

func TestApplyLengthMismatch(t *testing.T) {
	op := New()
	op.Retain(3)
	_, err := op.Apply("hi")
	assert.Error(t, err)
}

func TestApplyUnicode(t *testing.T) {
	// "héllo" is 5 codepoints; retain h,é then replace the first l.
	op := New()
	op.Retain(2)
	op.Insert("ñ")
	op.Delete(1)
	op.Retain(2)

	got, err := op.Apply("héllo")
	require.NoError(t, err)
	assert.Equal(t, "héñlo", got)
}

func TestTransformConverges(t *testing.T) {
	// Two users edit "hello" concurrently.
	a := New()
	a.Retain(5)
	a.Insert(" world")

	b := New()
	b.Delete(1)
	b.Insert("H")
	b.Retain(4)

	aPrime, bPrime, err := a.Transform(b)
	require.NoError(t, err)

	ab, err := a.Compose(bPrime)
	require.NoError(t, err)
	ba, err := b.Compose(aPrime)
	require.NoError(t, err)

	s1, err := ab.Apply("hello")
	require.NoError(t, err)
	s2, err := ba.Apply("hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", s1)
	assert.Equal(t, s1, s2)
}

func TestTransformInsertTieBreak(t *testing.T) {
	// Both insert at position 0; the left operand's text comes first on
	// both sides of the transform.
	a := New()
	a.Insert("a")
	b := New()
	b.Insert("b")

	aPrime, bPrime, err := a.Transform(b)
	require.NoError(t, err)

	ab, err := a.Compose(bPrime)
	require.NoError(t, err)
	ba, err := b.Compose(aPrime)
	require.NoError(t, err)

	s1, err := ab.Apply("")
	require.NoError(t, err)
	s2, err := ba.Apply("")
	require.NoError(t, err)
	assert.Equal(t, "ab", s1)
	assert.Equal(t, "ab", s2)
}

func TestTransformBaseLenMismatch(t *testing.T) {
	a := New()
	a.Retain(3)
	b := New()
	b.Retain(4)
	_, _, err := a.Transform(b)
	assert.Error(t, err)
}

func TestComposeLengthMismatch(t *testing.T) {
	a := New()
	a.Insert("ab")
	b := New()
	b.Retain(5)
	_, err := a.Compose(b)
	assert.Error(t, err)
}

func TestTransformIndex(t *testing.T) {
	// Insert 2 chars at position 1 in a 4-char doc.
	ins := New()
	ins.Retain(1)
	ins.Insert("xy")
	ins.Retain(3)

	assert.Equal(t, uint32(0), ins.TransformIndex(0))
	assert.Equal(t, uint32(3), ins.TransformIndex(1))
	assert.Equal(t, uint32(4), ins.TransformIndex(2))

	// Delete chars 1..3; an index inside the span clamps to its start.
	del := New()
	del.Retain(1)
	del.Delete(2)
	del.Retain(1)

	assert.Equal(t, uint32(0), del.TransformIndex(0))
	assert.Equal(t, uint32(1), del.TransformIndex(1))
	assert.Equal(t, uint32(1), del.TransformIndex(2))
	assert.Equal(t, uint32(1), del.TransformIndex(3))
	assert.Equal(t, uint32(2), del.TransformIndex(4))
}

func TestJSONRoundTrip(t *testing.T) {
	op := New()
	op.Retain(1)
	op.Insert("héllo")
	op.Delete(2)
	op.Retain(3)

	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,"héllo",-2,3]`, string(data))

	var got OperationSeq
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, op.Ops(), got.Ops())
	assert.Equal(t, op.BaseLen(), got.BaseLen())
	assert.Equal(t, op.TargetLen(), got.TargetLen())
}

func TestJSONRejectsBadInput(t *testing.T) {
	for _, bad := range []string{
		`[0]`,
		`[1.5]`,
		`[true]`,
		`{"retain":1}`,
	} {
		var op OperationSeq
		assert.Error(t, json.Unmarshal([]byte(bad), &op), "input %s", bad)
	}
}

func randomOp(rng *rand.Rand, baseLen int) *OperationSeq {
	op := New()
	remaining := baseLen
	for remaining > 0 {
		switch rng.Intn(3) {
		case 0:
			n := 1 + rng.Intn(remaining)
			op.Retain(n)
			remaining -= n
		case 1:
			n := 1 + rng.Intn(remaining)
			op.Delete(n)
			remaining -= n
		case 2:
			op.Insert(randomText(rng, 1+rng.Intn(4)))
		}
	}
	if rng.Intn(2) == 0 {
		op.Insert(randomText(rng, 1+rng.Intn(4)))
	}
	return op
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abßдé😀"
	runes := []rune(alphabet)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteRune(runes[rng.Intn(len(runes))])
	}
	return b.String()
}

func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		base := randomText(rng, rng.Intn(20))
		baseLen := len([]rune(base))

		a := randomOp(rng, baseLen)
		b := randomOp(rng, baseLen)

		aPrime, bPrime, err := a.Transform(b)
		require.NoError(t, err)

		ab, err := a.Compose(bPrime)
		require.NoError(t, err)
		ba, err := b.Compose(aPrime)
		require.NoError(t, err)

		s1, err := ab.Apply(base)
		require.NoError(t, err)
		s2, err := ba.Apply(base)
		require.NoError(t, err)
		require.Equal(t, s1, s2, "iteration %d diverged on base %q", i, base)
	}
}

func TestRandomizedComposeEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		base := randomText(rng, rng.Intn(20))
		baseLen := len([]rune(base))

		a := randomOp(rng, baseLen)
		mid, err := a.Apply(base)
		require.NoError(t, err)

		b := randomOp(rng, a.TargetLen())
		c, err := a.Compose(b)
		require.NoError(t, err)

		want, err := b.Apply(mid)
		require.NoError(t, err)
		got, err := c.Apply(base)
		require.NoError(t, err)
		require.Equal(t, want, got, "iteration %d", i)
	}
}
