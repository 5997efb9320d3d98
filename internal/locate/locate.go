// Package locate resolves where an edit block's search text sits inside a
// reference string. Blocks from one batch are located with a single forward
// cursor: each successful match moves the cursor past the matched search
// text, so later blocks are interpreted as referring to later text and can
// never steal a region an earlier block already claimed.
package locate

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FuzzyPrefixLen bounds the pattern handed to the approximate matcher. The
// bitap search is limited to one machine word of pattern, so a longer search
// text is truncated to this prefix before the fuzzy pass.
const FuzzyPrefixLen = 32

// Match is the result of locating one search text.
type Match struct {
	Found  bool
	Offset int
}

// Options tunes the approximate pass. The zero value keeps the matcher's
// defaults (threshold 0.5, distance 1000).
type Options struct {
	// MatchThreshold is the score above which a fuzzy candidate is rejected;
	// 0.0 demands a perfect match, 1.0 accepts almost anything.
	MatchThreshold float64
	// MatchDistance is how far from the location hint a candidate may sit
	// before distance starts counting against its score.
	MatchDistance int
}

// Locator finds search texts in a reference string, exact first, then
// approximately. The zero value is not usable; call New.
type Locator struct {
	ref    string
	cursor int
	dmp    *diffmatchpatch.DiffMatchPatch
}

// New creates a locator over the given reference text with the forward
// cursor at the start.
func New(ref string) *Locator {
	return NewWithOptions(ref, Options{})
}

// NewWithOptions creates a locator with tuned fuzzy matching.
func NewWithOptions(ref string, opts Options) *Locator {
	dmp := diffmatchpatch.New()
	if opts.MatchThreshold > 0 {
		dmp.MatchThreshold = opts.MatchThreshold
	}
	if opts.MatchDistance > 0 {
		dmp.MatchDistance = opts.MatchDistance
	}
	return &Locator{ref: ref, dmp: dmp}
}

// Cursor returns the current forward cursor, in bytes.
func (l *Locator) Cursor() int { return l.cursor }

// Find locates search at or after the forward cursor. An exact substring hit
// always wins; only when there is none does the approximate pass run, over a
// bounded prefix of the search text with the cursor as its location hint.
// The hint biases the bitap scoring toward the cursor but does not clamp the
// result. On success the cursor advances past len(search) bytes from the
// match offset (the length of the original search text, not of whatever the
// fuzzy pass matched), keeping the cursor monotonic for subsequent blocks.
// On failure the cursor is left where it was.
func (l *Locator) Find(search string) Match {
	if search == "" {
		return Match{}
	}

	if idx := strings.Index(l.ref[l.cursor:], search); idx >= 0 {
		off := l.cursor + idx
		l.cursor = off + len(search)
		return Match{Found: true, Offset: off}
	}

	pattern := search
	if len(pattern) > FuzzyPrefixLen {
		pattern = pattern[:FuzzyPrefixLen]
	}
	if off := l.dmp.MatchMain(l.ref, pattern, l.cursor); off >= 0 {
		l.cursor = off + len(search)
		if l.cursor > len(l.ref) {
			l.cursor = len(l.ref)
		}
		return Match{Found: true, Offset: off}
	}

	return Match{}
}
