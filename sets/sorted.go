// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package sets

import (
	"cmp"
	"iter"
	"slices"
)

// Sorted is a sorted list of unique items.
// The zero value is an empty set.
// nil is treated like an empty set, but any attempt to add to it will panic.
type Sorted[T cmp.Ordered] struct {
	elems []T
}

// NewSorted returns a new set with the given elements.
func NewSorted[T cmp.Ordered](elem ...T) *Sorted[T] {
	s := new(Sorted[T])
	s.Add(elem...)
	return s
}

// CollectSorted returns a new set that contains the elements of the given iterator.
func CollectSorted[T cmp.Ordered](seq iter.Seq[T]) *Sorted[T] {
	s := new(Sorted[T])
	s.AddSeq(seq)
	return s
}

// Add adds the arguments to the set.
func (s *Sorted[T]) Add(elem ...T) {
	s.AddSeq(slices.Values(elem))
}

// AddSeq adds the values from seq to the set.
func (s *Sorted[T]) AddSeq(seq iter.Seq[T]) {
	for x := range seq {
		i, present := slices.BinarySearch(s.elems, x)
		if !present {
			s.elems = slices.Insert(s.elems, i, x)
		}
	}
}

// AddSet adds the elements in other to s.
func (s *Sorted[T]) AddSet(other *Sorted[T]) {
	if other != nil {
		s.Add(other.elems...)
	}
}

// Has reports whether the set contains x.
func (s *Sorted[T]) Has(x T) bool {
	if s == nil {
		return false
	}
	_, present := slices.BinarySearch(s.elems, x)
	return present
}

// Clone returns a new set that contains the same elements as s.
func (s *Sorted[T]) Clone() *Sorted[T] {
	if s == nil {
		return new(Sorted[T])
	}
	return &Sorted[T]{elems: slices.Clone(s.elems)}
}

// Grow ensures that the set can add n more unique elements without allocating.
func (s *Sorted[T]) Grow(n int) {
	s.elems = slices.Grow(s.elems, n)
}

// Len returns the number of elements in the set.
func (s *Sorted[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elems)
}

// At returns the i'th element in ascending order of the set.
func (s *Sorted[T]) At(i int) T {
	return s.elems[i]
}

// Values returns an iterator of the elements of s in ascending order.
func (s *Sorted[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		if s == nil {
			return
		}
		for _, x := range s.elems {
			if !yield(x) {
				return
			}
		}
	}
}
