package barrier

import "sync/atomic"

// TokenSequence allocates sync tokens from a monotonically increasing
// per-context counter, guaranteeing release order equals allocation
// order (SPEC_FULL.md §4.F sync-token ordering invariant).
type TokenSequence struct {
	next uint64
}

// Next returns the next sync token.
func (s *TokenSequence) Next() uint64 {
	return atomic.AddUint64(&s.next, 1)
}
