// Package document adapts the replicated text primitive to the byte-offset
// contract the reconciliation engine works in. All mutation entry points are
// transactional: observers see either the pre- or post-mutation text, never
// an intermediate state, and one call produces at most one change event.
package document

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"stitch/internal/rvtext"
)

// Origin says what caused a change event.
type Origin string

const (
	// OriginLocal marks edits applied through ApplyEdits on this document.
	OriginLocal Origin = "local"
	// OriginMerge marks ops merged in from another replica via ImportState.
	OriginMerge Origin = "merge"
)

// Change is delivered to subscribers after a mutation commits. Seq orders
// changes on one document: delivery happens outside the document lock, so
// two racing mutators can notify out of order, and a subscriber that cares
// about the latest text must discard a Change whose Seq it has already seen
// surpassed.
type Change struct {
	Origin Origin
	Text   string
	Seq    uint64
}

// TextEdit is a single splice against the document's current text: delete
// DelBytes bytes at Off, then insert Ins there. Offsets are byte offsets into
// the text as it stands when the edit is applied, so a batch applies
// sequentially, each edit seeing the effect of the ones before it.
type TextEdit struct {
	Off      int
	DelBytes int
	Ins      string
}

// Doc is a replicated text document. It is safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	inner     *rvtext.Doc
	subs      []func(Change)
	changeSeq uint64
}

// New creates an empty document with a fresh actor identity.
func New() *Doc {
	return &Doc{inner: rvtext.NewDoc("doc-" + uuid.NewString())}
}

// FromState creates a document whose history is the given exported state.
func FromState(state []byte) (*Doc, error) {
	inner, err := rvtext.NewDocFromState("doc-"+uuid.NewString(), state)
	if err != nil {
		return nil, err
	}
	return &Doc{inner: inner}, nil
}

// Fork creates an independent shadow document whose operation history is
// causally identical to this one at the instant of the call. The shadow gets
// its own actor identity so its mutations are attributable, and the live
// document stays fully writable while the shadow is worked on.
func (d *Doc) Fork() (*Doc, error) {
	d.mu.Lock()
	state, err := d.inner.ExportState()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("exporting state for fork: %w", err)
	}
	inner, err := rvtext.NewDocFromState("shadow-"+uuid.NewString(), state)
	if err != nil {
		return nil, fmt.Errorf("replaying state into fork: %w", err)
	}
	return &Doc{inner: inner}, nil
}

// OnChange registers a subscriber. Subscribers run synchronously after a
// mutation commits, outside the document lock.
func (d *Doc) OnChange(fn func(Change)) {
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
}

// Text returns the current text.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Text()
}

// StateVector returns the document's op frontier.
func (d *Doc) StateVector() rvtext.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.StateVector()
}

// ExportState exports the full operation history.
func (d *Doc) ExportState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.ExportState()
}

// ExportDelta exports the ops the given vector does not cover.
func (d *Doc) ExportDelta(exclude rvtext.StateVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.ExportDelta(exclude)
}

// ImportState merges an exported state or delta into the document. One call,
// one change event, regardless of how many ops the blob carries. Returns the
// number of ops that were new.
func (d *Doc) ImportState(state []byte) (int, error) {
	d.mu.Lock()
	n, err := d.inner.ImportState(state)
	var c Change
	if err == nil && n > 0 {
		d.changeSeq++
		c = Change{Origin: OriginMerge, Text: d.inner.Text(), Seq: d.changeSeq}
	}
	subs := d.subs
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		notify(subs, c)
	}
	return n, nil
}

// ApplyEdits applies a batch of splices as one transaction and emits a
// single change event. Edits are applied in order; offsets reference the
// evolving text. A failing edit aborts the batch mid-way: edits already
// applied stay applied.
func (d *Doc) ApplyEdits(edits []TextEdit) error {
	if len(edits) == 0 {
		return nil
	}
	d.mu.Lock()
	var applyErr error
	mutated := false
	for _, e := range edits {
		text := d.inner.Text()
		if e.Off < 0 || e.Off > len(text) {
			applyErr = fmt.Errorf("edit offset %d out of range (len %d)", e.Off, len(text))
			break
		}
		runeOff := utf8.RuneCountInString(text[:e.Off])
		if e.DelBytes > 0 {
			end := e.Off + e.DelBytes
			if end > len(text) {
				applyErr = fmt.Errorf("edit delete end %d out of range (len %d)", end, len(text))
				break
			}
			runeCount := utf8.RuneCountInString(text[e.Off:end])
			if _, err := d.inner.DeleteAt(runeOff, runeCount); err != nil {
				applyErr = err
				break
			}
			mutated = true
		}
		if e.Ins != "" {
			if _, err := d.inner.InsertAt(runeOff, e.Ins); err != nil {
				applyErr = err
				break
			}
			mutated = true
		}
	}
	var c Change
	if mutated {
		d.changeSeq++
		c = Change{Origin: OriginLocal, Text: d.inner.Text(), Seq: d.changeSeq}
	}
	subs := d.subs
	d.mu.Unlock()

	if mutated {
		notify(subs, c)
	}
	return applyErr
}

func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}
