// Package xiter adapts a plain iter.Seq into an ordinal-numbered iter.Seq2,
// for callers that want to log "the Nth value out of this sequence"
// without maintaining their own counter. The capture core uses it to
// number a batch's set reference-mask bits (internal/refmask.Mask.Iter) for
// debug-level tracing of which clients/core are still holding a batch.
package xiter

import (
	"iter"
)

// Enumerate pairs each value seq yields with its zero-based position.
func Enumerate[T any](seq iter.Seq[T]) iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		idx := 0
		for v := range seq {
			if !yield(idx, v) {
				return
			}

			idx++
		}
	}
}
