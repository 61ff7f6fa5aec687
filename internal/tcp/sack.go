package tcp

import "github.com/google/btree"

// sackBlock is one selectively-acknowledged range [start, end).
type sackBlock struct {
	start, end seqVal
}

func sackLess(a, b sackBlock) bool { return a.start.lessThan(b.start) }

// scoreboard tracks the ranges the peer has SACKed so retransmission can
// skip them and target only the actual gaps.
type scoreboard struct {
	t *btree.BTreeG[sackBlock]
}

func newScoreboard() *scoreboard {
	return &scoreboard{t: btree.NewG(4, sackLess)}
}

// insert records a block, merging any overlapping or adjacent entries.
func (s *scoreboard) insert(b sackBlock) {
	if !b.start.lessThan(b.end) {
		return
	}
	// Absorb the predecessor if it touches b.
	s.t.DescendLessOrEqual(b, func(x sackBlock) bool {
		if b.start.lessThanEq(x.end) {
			if x.start.lessThan(b.start) {
				b.start = x.start
			}
			if b.end.lessThan(x.end) {
				b.end = x.end
			}
			s.t.Delete(x)
		}
		return false
	})
	// Absorb successors covered by or touching b.
	var absorbed []sackBlock
	s.t.AscendGreaterOrEqual(sackBlock{start: b.start}, func(x sackBlock) bool {
		if b.end.lessThan(x.start) {
			return false
		}
		absorbed = append(absorbed, x)
		if b.end.lessThan(x.end) {
			b.end = x.end
		}
		return true
	})
	for _, x := range absorbed {
		s.t.Delete(x)
	}
	s.t.ReplaceOrInsert(b)
}

// covered reports whether [start, end) is fully SACKed.
func (s *scoreboard) covered(start, end seqVal) bool {
	ok := false
	s.t.DescendLessOrEqual(sackBlock{start: start}, func(x sackBlock) bool {
		ok = x.start.lessThanEq(start) && end.lessThanEq(x.end)
		return false
	})
	return ok
}

// removeBelow drops state made obsolete by cumulative ACK up to una.
func (s *scoreboard) removeBelow(una seqVal) {
	var stale []sackBlock
	s.t.Ascend(func(x sackBlock) bool {
		if x.end.lessThanEq(una) {
			stale = append(stale, x)
			return true
		}
		return false
	})
	for _, x := range stale {
		s.t.Delete(x)
	}
}

func (s *scoreboard) reset() { s.t.Clear(false) }

func (s *scoreboard) empty() bool { return s.t.Len() == 0 }

// oooSeg is one out-of-order received segment awaiting the gap fill.
type oooSeg struct {
	start seqVal
	data  []byte
}

func oooLess(a, b oooSeg) bool { return a.start.lessThan(b.start) }

// newOOOStore returns the receiver's out-of-order segment store, keyed by
// sequence start. Only populated when SACK was negotiated.
func newOOOStore() *btree.BTreeG[oooSeg] {
	return btree.NewG(4, oooLess)
}
