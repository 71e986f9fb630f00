// Package ot implements sequence-based operational transformation for
// plain text. An OperationSeq describes a whole-document edit as a run of
// retain/insert/delete primitives; concurrent edits are reconciled with
// Transform so that both sides converge on the same text.
//
// All lengths and positions are counted in Unicode codepoints.
package ot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Op is a single primitive inside an OperationSeq. Exactly one case holds:
// N > 0 retains N characters, N < 0 deletes -N characters, and a non-empty
// S inserts that text. Sequences are kept normalized, so zero-length
// retains/deletes and empty inserts never appear.
type Op struct {
	N int64
	S string
}

// IsRetain reports whether the op retains characters.
func (o Op) IsRetain() bool { return o.N > 0 }

// IsDelete reports whether the op deletes characters.
func (o Op) IsDelete() bool { return o.N < 0 }

// IsInsert reports whether the op inserts text.
func (o Op) IsInsert() bool { return o.S != "" }

// OperationSeq is an ordered run of ops spanning an entire document. The
// sum of retains and deletes is the length of the text it applies to
// (BaseLen); the sum of retains and inserted characters is the length of
// the text it produces (TargetLen).
type OperationSeq struct {
	ops       []Op
	baseLen   int
	targetLen int
}

// New returns an empty operation sequence.
func New() *OperationSeq {
	return &OperationSeq{}
}

// Ops returns the normalized primitive run. The slice is shared; callers
// must not modify it.
func (s *OperationSeq) Ops() []Op { return s.ops }

// BaseLen returns the length of text this operation applies to.
func (s *OperationSeq) BaseLen() int { return s.baseLen }

// TargetLen returns the length of text this operation produces.
func (s *OperationSeq) TargetLen() int { return s.targetLen }

// IsNoop reports whether applying the operation changes nothing.
func (s *OperationSeq) IsNoop() bool {
	return len(s.ops) == 0 || (len(s.ops) == 1 && s.ops[0].IsRetain())
}

// Retain appends a retain of n characters, merging with a trailing retain.
func (s *OperationSeq) Retain(n int) {
	if n <= 0 {
		return
	}
	s.baseLen += n
	s.targetLen += n
	if l := len(s.ops); l > 0 && s.ops[l-1].IsRetain() {
		s.ops[l-1].N += int64(n)
		return
	}
	s.ops = append(s.ops, Op{N: int64(n)})
}

// Delete appends a delete of n characters, merging with a trailing delete.
func (s *OperationSeq) Delete(n int) {
	if n <= 0 {
		return
	}
	s.baseLen += n
	if l := len(s.ops); l > 0 && s.ops[l-1].IsDelete() {
		s.ops[l-1].N -= int64(n)
		return
	}
	s.ops = append(s.ops, Op{N: -int64(n)})
}

// Insert appends an insert of text. Adjacent inserts merge, and an insert
// following a delete is reordered before it so sequences stay canonical
// (insert-before-delete), which keeps Transform and Compose deterministic.
func (s *OperationSeq) Insert(text string) {
	if text == "" {
		return
	}
	s.targetLen += utf8.RuneCountInString(text)
	l := len(s.ops)
	switch {
	case l > 0 && s.ops[l-1].IsInsert():
		s.ops[l-1].S += text
	case l > 0 && s.ops[l-1].IsDelete():
		if l > 1 && s.ops[l-2].IsInsert() {
			s.ops[l-2].S += text
		} else {
			s.ops = append(s.ops, s.ops[l-1])
			s.ops[l-1] = Op{S: text}
		}
	default:
		s.ops = append(s.ops, Op{S: text})
	}
}

// Apply runs the operation against text and returns the result. The text
// must be exactly BaseLen characters long.
func (s *OperationSeq) Apply(text string) (string, error) {
	chars := []rune(text)
	if len(chars) != s.baseLen {
		return "", fmt.Errorf("operation base length %d does not match text length %d", s.baseLen, len(chars))
	}
	var b strings.Builder
	pos := 0
	for _, op := range s.ops {
		switch {
		case op.IsRetain():
			n := int(op.N)
			b.WriteString(string(chars[pos : pos+n]))
			pos += n
		case op.IsInsert():
			b.WriteString(op.S)
		case op.IsDelete():
			pos += int(-op.N)
		}
	}
	return b.String(), nil
}

// Transform rebases two concurrent operations with the same base against
// each other, returning (a', b') such that compose(a, b') and
// compose(b, a') produce the same document. When both sides insert at the
// same position, the receiver's insert is ordered first.
func (a *OperationSeq) Transform(b *OperationSeq) (*OperationSeq, *OperationSeq, error) {
	if a.baseLen != b.baseLen {
		return nil, nil, fmt.Errorf("cannot transform operations: base lengths differ (%d vs %d)", a.baseLen, b.baseLen)
	}

	aPrime, bPrime := New(), New()
	i1, i2 := 0, 0
	var o1, o2 Op
	var have1, have2 bool
	next1 := func() {
		if i1 < len(a.ops) {
			o1, have1 = a.ops[i1], true
			i1++
		} else {
			have1 = false
		}
	}
	next2 := func() {
		if i2 < len(b.ops) {
			o2, have2 = b.ops[i2], true
			i2++
		} else {
			have2 = false
		}
	}
	next1()
	next2()

	for have1 || have2 {
		// Inserts commute with everything on the other side; the left
		// operand's insert wins position ties.
		if have1 && o1.IsInsert() {
			aPrime.Insert(o1.S)
			bPrime.Retain(utf8.RuneCountInString(o1.S))
			next1()
			continue
		}
		if have2 && o2.IsInsert() {
			aPrime.Retain(utf8.RuneCountInString(o2.S))
			bPrime.Insert(o2.S)
			next2()
			continue
		}
		if !have1 || !have2 {
			return nil, nil, fmt.Errorf("cannot transform operations: sequence is shorter than its base length")
		}

		switch {
		case o1.IsRetain() && o2.IsRetain():
			var n int64
			switch {
			case o1.N > o2.N:
				n = o2.N
				o1.N -= o2.N
				next2()
			case o1.N < o2.N:
				n = o1.N
				o2.N -= o1.N
				next1()
			default:
				n = o1.N
				next1()
				next2()
			}
			aPrime.Retain(int(n))
			bPrime.Retain(int(n))
		case o1.IsDelete() && o2.IsDelete():
			// Both deleted the same span; neither result needs it.
			switch {
			case -o1.N > -o2.N:
				o1.N -= o2.N
				next2()
			case -o1.N < -o2.N:
				o2.N -= o1.N
				next1()
			default:
				next1()
				next2()
			}
		case o1.IsDelete() && o2.IsRetain():
			var n int64
			switch {
			case -o1.N > o2.N:
				n = o2.N
				o1.N += o2.N
				next2()
			case -o1.N < o2.N:
				n = -o1.N
				o2.N += o1.N
				next1()
			default:
				n = -o1.N
				next1()
				next2()
			}
			aPrime.Delete(int(n))
		case o1.IsRetain() && o2.IsDelete():
			var n int64
			switch {
			case o1.N > -o2.N:
				n = -o2.N
				o1.N += o2.N
				next2()
			case o1.N < -o2.N:
				n = o1.N
				o2.N += o1.N
				next1()
			default:
				n = o1.N
				next1()
				next2()
			}
			bPrime.Delete(int(n))
		}
	}

	return aPrime, bPrime, nil
}

// Compose merges two consecutive operations into one with the same effect:
// apply(compose(a, b), s) == apply(b, apply(a, s)). The receiver's target
// length must equal b's base length.
func (a *OperationSeq) Compose(b *OperationSeq) (*OperationSeq, error) {
	if a.targetLen != b.baseLen {
		return nil, fmt.Errorf("cannot compose operations: target length %d does not match base length %d", a.targetLen, b.baseLen)
	}

	c := New()
	i1, i2 := 0, 0
	var o1, o2 Op
	var have1, have2 bool
	next1 := func() {
		if i1 < len(a.ops) {
			o1, have1 = a.ops[i1], true
			i1++
		} else {
			have1 = false
		}
	}
	next2 := func() {
		if i2 < len(b.ops) {
			o2, have2 = b.ops[i2], true
			i2++
		} else {
			have2 = false
		}
	}
	next1()
	next2()

	for have1 || have2 {
		if have1 && o1.IsDelete() {
			c.Delete(int(-o1.N))
			next1()
			continue
		}
		if have2 && o2.IsInsert() {
			c.Insert(o2.S)
			next2()
			continue
		}
		if !have1 || !have2 {
			return nil, fmt.Errorf("cannot compose operations: sequence is shorter than its base length")
		}

		switch {
		case o1.IsRetain() && o2.IsRetain():
			var n int64
			switch {
			case o1.N > o2.N:
				n = o2.N
				o1.N -= o2.N
				next2()
			case o1.N < o2.N:
				n = o1.N
				o2.N -= o1.N
				next1()
			default:
				n = o1.N
				next1()
				next2()
			}
			c.Retain(int(n))
		case o1.IsInsert() && o2.IsDelete():
			// The delete consumes text inserted by a; it never existed.
			l1, d2 := int64(utf8.RuneCountInString(o1.S)), -o2.N
			switch {
			case l1 > d2:
				o1.S = string([]rune(o1.S)[d2:])
				next2()
			case l1 < d2:
				o2.N += l1
				next1()
			default:
				next1()
				next2()
			}
		case o1.IsInsert() && o2.IsRetain():
			l1 := int64(utf8.RuneCountInString(o1.S))
			switch {
			case l1 > o2.N:
				chars := []rune(o1.S)
				c.Insert(string(chars[:o2.N]))
				o1.S = string(chars[o2.N:])
				next2()
			case l1 < o2.N:
				c.Insert(o1.S)
				o2.N -= l1
				next1()
			default:
				c.Insert(o1.S)
				next1()
				next2()
			}
		case o1.IsRetain() && o2.IsDelete():
			var n int64
			switch {
			case o1.N > -o2.N:
				n = -o2.N
				o1.N += o2.N
				next2()
			case o1.N < -o2.N:
				n = o1.N
				o2.N += o1.N
				next1()
			default:
				n = o1.N
				next1()
				next2()
			}
			c.Delete(int(n))
		}
	}

	return c, nil
}

// TransformIndex maps a character offset in the operation's base text to
// the corresponding offset in its target text. An index at an insert point
// moves right with the insert; an index inside a deleted span clamps to
// the span's start. It never fails.
func (s *OperationSeq) TransformIndex(position uint32) uint32 {
	index := int64(position)
	newIndex := index
	for _, op := range s.ops {
		switch {
		case op.IsRetain():
			index -= op.N
		case op.IsInsert():
			newIndex += int64(utf8.RuneCountInString(op.S))
		case op.IsDelete():
			n := -op.N
			if index < n {
				if index > 0 {
					newIndex -= index
				}
			} else {
				newIndex -= n
			}
			index -= n
		}
		if index < 0 {
			break
		}
	}
	if newIndex < 0 {
		return 0
	}
	return uint32(newIndex)
}

// MarshalJSON encodes the sequence in its canonical wire form: a flat
// array where positive integers retain, negative integers delete, and
// strings insert.
func (s OperationSeq) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, len(s.ops))
	for _, op := range s.ops {
		if op.IsInsert() {
			arr = append(arr, op.S)
		} else {
			arr = append(arr, op.N)
		}
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the canonical wire form.
func (s *OperationSeq) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	*s = OperationSeq{}
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			s.Insert(t)
		case json.Number:
			n, err := t.Int64()
			if err != nil {
				return fmt.Errorf("decode operation: component %q is not an integer", t)
			}
			switch {
			case n > 0:
				s.Retain(int(n))
			case n < 0:
				s.Delete(int(-n))
			default:
				return fmt.Errorf("decode operation: component must be nonzero")
			}
		default:
			return fmt.Errorf("decode operation: unexpected component type %T", v)
		}
	}
	return nil
}
