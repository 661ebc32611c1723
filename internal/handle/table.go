// Package handle implements fixed-capacity tables of integer handles.
package handle

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Allocate when every slot is occupied.
var ErrExhausted = errors.New("handle: table exhausted")

type slot[T any] struct {
	live  bool
	value T
}

// Table is a fixed array of slots addressed by index. Free slots are found
// with a round-robin search that starts after the slot handed out last, so
// steady allocate/release churn does not rescan from zero.
//
// Table is not safe for concurrent use.
type Table[T any] struct {
	slots []slot[T]
	next  int
	used  int
}

// New returns a table holding at most capacity entries.
func New[T any](capacity int) *Table[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("handle: invalid capacity %d", capacity))
	}
	return &Table[T]{slots: make([]slot[T], capacity)}
}

// Cap returns the table capacity.
func (t *Table[T]) Cap() int {
	return len(t.slots)
}

// Len returns the number of occupied slots.
func (t *Table[T]) Len() int {
	return t.used
}

// Allocate stores v in the first free slot at or after the cursor and
// returns its index. At most Cap slots are probed.
func (t *Table[T]) Allocate(v T) (int, error) {
	n := len(t.slots)
	for i := 0; i < n; i++ {
		idx := (t.next + i) % n
		if t.slots[idx].live {
			continue
		}
		t.slots[idx] = slot[T]{live: true, value: v}
		t.next = (idx + 1) % n
		t.used++
		return idx, nil
	}
	return -1, ErrExhausted
}

// Release frees slot h and returns the value it held. Releasing a free slot
// is a no-op and reports false.
func (t *Table[T]) Release(h int) (T, bool) {
	t.check(h)
	var zero T
	s := &t.slots[h]
	if !s.live {
		return zero, false
	}
	v := s.value
	*s = slot[T]{}
	t.used--
	return v, true
}

// Get returns the value in slot h and whether the slot is occupied.
func (t *Table[T]) Get(h int) (T, bool) {
	t.check(h)
	s := t.slots[h]
	return s.value, s.live
}

// Live reports whether slot h is occupied.
func (t *Table[T]) Live(h int) bool {
	t.check(h)
	return t.slots[h].live
}

func (t *Table[T]) check(h int) {
	if h < 0 || h >= len(t.slots) {
		panic(fmt.Sprintf("handle: index %d out of range [0, %d)", h, len(t.slots)))
	}
}
