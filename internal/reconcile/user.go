package reconcile

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"stitch/internal/document"
)

// ReconcileUserText folds a local full-text replacement into the live
// document. The editor hands over its entire current text; the difference
// against the document's text becomes one atomic batch of splices. No fuzzy
// matching is involved since this is a same-origin replacement, not a
// stale-snapshot patch, and the cursor walk is the same one the patcher
// uses.
func ReconcileUserText(live *document.Doc, newText string) error {
	current := live.Text()
	if current == newText {
		return nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(current, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var edits []document.TextEdit
	cursor := 0
	for _, d := range diffs {
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
	return live.ApplyEdits(edits)
}
