// Package patch turns located edit blocks into document splices. The edit
// script between a block's search and replace text is a minimal
// character-level diff with semantic cleanup, so a replacement touches only
// the characters that actually changed instead of rewriting the whole block.
package patch

import (
	"log"

	"github.com/sergi/go-diff/diffmatchpatch"

	"stitch/internal/document"
	"stitch/internal/editblock"
	"stitch/internal/locate"
)

// Result summarizes one batch application.
type Result struct {
	Parsed  int
	Applied int
	Skipped int
}

// Patcher applies edit-block batches to documents.
type Patcher struct {
	dmp  *diffmatchpatch.DiffMatchPatch
	opts locate.Options
}

// New creates a patcher with default match tuning.
func New() *Patcher {
	return NewWithOptions(locate.Options{})
}

// NewWithOptions creates a patcher whose locators use the given match tuning.
func NewWithOptions(opts locate.Options) *Patcher {
	return &Patcher{dmp: diffmatchpatch.New(), opts: opts}
}

// Script computes the {equal, insert, delete} runs transforming before into
// after, with trivial fragments merged away.
func (p *Patcher) Script(before, after string) []diffmatchpatch.Diff {
	diffs := p.dmp.DiffMain(before, after, false)
	return p.dmp.DiffCleanupSemantic(diffs)
}

// ApplyBlocks locates and applies each block against the given reference
// text (the document's text when the batch was located, typically a shadow
// snapshot) and mutates doc accordingly. Blocks are processed strictly in
// order. A block whose search text cannot be located, exactly or
// approximately, is skipped and logged; the rest of the batch still applies.
// Offsets of later blocks are corrected by the net length change of every
// earlier replacement.
func (p *Patcher) ApplyBlocks(doc *document.Doc, ref string, blocks []editblock.Block) (Result, error) {
	res := Result{Parsed: len(blocks)}
	loc := locate.NewWithOptions(ref, p.opts)
	runningOffset := 0

	for i, b := range blocks {
		m := loc.Find(b.Search)
		if !m.Found {
			res.Skipped++
			log.Printf("patch: block %d/%d skipped, search text not found", i+1, len(blocks))
			continue
		}

		edits := p.blockEdits(m.Offset+runningOffset, b)
		if err := p.applyEdits(doc, edits); err != nil {
			// Ops already applied stay applied; there is no block-level
			// rollback.
			return res, err
		}
		res.Applied++
		runningOffset += len(b.Replace) - len(b.Search)
	}
	return res, nil
}

// blockEdits walks the edit script for one block and emits splices. cursor
// starts at the block's match offset corrected by the running offset; equal
// runs advance it, deletes remove at it, inserts add at it and advance.
func (p *Patcher) blockEdits(cursor int, b editblock.Block) []document.TextEdit {
	var edits []document.TextEdit
	for _, d := range p.Script(b.Search, b.Replace) {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			cursor += len(d.Text)
		case diffmatchpatch.DiffDelete:
			edits = append(edits, document.TextEdit{Off: cursor, DelBytes: len(d.Text)})
		case diffmatchpatch.DiffInsert:
			edits = append(edits, document.TextEdit{Off: cursor, Ins: d.Text})
			cursor += len(d.Text)
		}
	}
	return edits
}

func (p *Patcher) applyEdits(doc *document.Doc, edits []document.TextEdit) error {
	if len(edits) == 0 {
		return nil
	}
	return doc.ApplyEdits(edits)
}
