package rvtext

// Segment is one level of a character position. Digit orders siblings at a
// level; Actor and Seq break ties so two replicas can never allocate the same
// position. The empty actor is reserved for minimal filler segments emitted
// during allocation and sorts before any real actor.
type Segment struct {
	Digit uint32 `json:"d"`
	Actor string `json:"a,omitempty"`
	Seq   uint64 `json:"s,omitempty"`
}

// Position is a path of segments. Positions are compared lexicographically,
// segment by segment; a position that is a strict prefix of another sorts
// first. The total order over positions is the document order.
type Position []Segment

// digitBase bounds segment digits. Allocation picks digits in [0, digitBase).
const digitBase uint32 = 1 << 20

func compareSegments(a, b Segment) int {
	switch {
	case a.Digit < b.Digit:
		return -1
	case a.Digit > b.Digit:
		return 1
	}
	switch {
	case a.Actor < b.Actor:
		return -1
	case a.Actor > b.Actor:
		return 1
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// ComparePositions returns -1, 0, or 1 ordering a relative to b.
func ComparePositions(a, b Position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareSegments(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// allocRun returns n new positions strictly between left and right, in
// increasing order. A nil left means the start of the document, a nil right
// means the end. Each position's final segment is tagged with the inserting
// actor and the sequence number of the op that creates the character, which
// makes positions globally unique.
//
// The walk descends level by level. While the left and right bounds still
// share a prefix it follows that prefix; once a level has a digit gap wide
// enough for all n characters it spreads them evenly inside the gap. When the
// left bound runs out of segments before a gap opens, a minimal filler
// segment keeps the new path ordered after it.
func allocRun(left, right Position, n int, actor string, firstSeq uint64) []Position {
	if n <= 0 {
		return nil
	}

	var prefix Position
	useL, useR := true, true

	for depth := 0; ; depth++ {
		lo, hi := uint32(0), digitBase
		var lseg, rseg Segment
		haveL := useL && depth < len(left)
		haveR := useR && depth < len(right)
		if haveL {
			lseg = left[depth]
			lo = lseg.Digit
		}
		if haveR {
			rseg = right[depth]
			hi = rseg.Digit
		}
		if hi < lo {
			// Bounds can only invert on malformed input; fall back to an
			// open upper bound rather than corrupting the order.
			hi = digitBase
			haveR = false
			useR = false
		}

		if gap := hi - lo; gap >= 2 {
			// Room at this level. Spread as many characters as fit evenly
			// inside the gap; a run longer than the gap spills the tail one
			// level deeper, ordered after the last character placed here.
			k := n
			if uint32(k) >= gap {
				k = int(gap - 1)
			}
			step := gap / uint32(k+1)
			out := make([]Position, 0, n)
			for i := 0; i < k; i++ {
				pos := make(Position, len(prefix), len(prefix)+1)
				copy(pos, prefix)
				out = append(out, append(pos, Segment{
					Digit: lo + step*uint32(i+1),
					Actor: actor,
					Seq:   firstSeq + uint64(i),
				}))
			}
			if k < n {
				rest := right
				if !useR {
					rest = nil
				}
				out = append(out, allocRun(out[k-1], rest, n-k, actor, firstSeq+uint64(k))...)
			}
			return out
		}

		// No room at this level: descend along the left bound.
		if haveL {
			prefix = append(prefix, lseg)
			if !haveR || rseg != lseg {
				// Diverged from the right bound; anything under the left
				// bound's path already sorts before it.
				useR = false
			}
		} else {
			filler := Segment{}
			prefix = append(prefix, filler)
			useL = false
			// The right bound keeps constraining deeper levels only while
			// its own path goes through the same filler.
			if !haveR || rseg != filler {
				useR = false
			}
		}
	}
}
