// Package editblock extracts search/replace edit blocks from raw agent
// output. A block is three literal marker lines:
//
//	<<<<<<< SEARCH
//	<text to find>
//	=======
//	<text it becomes>
//	>>>>>>>
//
// Blocks are yielded strictly in order of appearance, never deduplicated.
// Anything outside a well-formed block, including an unterminated block at
// the end of the input, is ignored. Zero blocks is a valid result and means
// no change was requested.
package editblock

import "strings"

// Markers recognized by the scanner. A marker must be the whole line
// (trailing \r from CRLF input is tolerated).
const (
	MarkerSearch  = "<<<<<<< SEARCH"
	MarkerDivider = "======="
	MarkerEnd     = ">>>>>>>"
)

// NoChangesSentinel is the literal an agent returns instead of blocks when
// the document needs no edits. The scanner needs no special case for it
// (it contains no markers, so it scans to zero blocks) but callers and
// prompts refer to it by name.
const NoChangesSentinel = "NO_CHANGES"

// Block is one parsed edit: find Search, replace it with Replace.
type Block struct {
	Search  string
	Replace string
}

// Scanner walks agent output forward, one block at a time. It never
// backtracks and cannot be restarted; make a new Scanner to rescan.
type Scanner struct {
	lines []string
	pos   int
	block Block
}

// NewScanner returns a scanner over raw agent output.
func NewScanner(raw string) *Scanner {
	return &Scanner{lines: strings.Split(raw, "\n")}
}

// Scan advances to the next well-formed block, returning false when the
// input is exhausted.
func (s *Scanner) Scan() bool {
	for s.pos < len(s.lines) {
		if !isMarker(s.lines[s.pos], MarkerSearch) {
			s.pos++
			continue
		}
		start := s.pos + 1
		div := s.findMarker(start, MarkerDivider)
		if div < 0 {
			// Unterminated block: consume the opener and keep scanning so a
			// later complete block is still found.
			s.pos++
			continue
		}
		end := s.findMarker(div+1, MarkerEnd)
		if end < 0 {
			s.pos++
			continue
		}
		s.block = Block{
			Search:  strings.Join(s.lines[start:div], "\n"),
			Replace: strings.Join(s.lines[div+1:end], "\n"),
		}
		s.pos = end + 1
		return true
	}
	return false
}

// Block returns the block found by the last successful Scan.
func (s *Scanner) Block() Block {
	return s.block
}

func (s *Scanner) findMarker(from int, marker string) int {
	for i := from; i < len(s.lines); i++ {
		if isMarker(s.lines[i], marker) {
			return i
		}
		// A new opener before the block closes means the current block is
		// malformed; give up on it rather than pairing across blocks.
		if marker != MarkerSearch && isMarker(s.lines[i], MarkerSearch) {
			return -1
		}
	}
	return -1
}

func isMarker(line, marker string) bool {
	return strings.TrimSuffix(line, "\r") == marker
}

// Parse scans the whole input and returns every block in order.
func Parse(raw string) []Block {
	var out []Block
	sc := NewScanner(raw)
	for sc.Scan() {
		out = append(out, sc.Block())
	}
	return out
}
