// Package rvtext implements a replicated text sequence with conflict-free
// merge semantics. Each character carries a globally unique identifier and a
// totally ordered position, so any causally-consistent set of operations can
// be merged in any order, any number of times, and every replica converges on
// the same text.
package rvtext

import (
	"fmt"
	"sort"
	"strings"
)

// ID identifies a single operation: the actor that created it and the
// actor's own contiguous sequence counter.
type ID struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
}

// Char is one inserted character. Its ID equals the ID of the insert op that
// created it; Pos fixes its place in the document order.
type Char struct {
	ID  ID       `json:"id"`
	Pos Position `json:"pos"`
	Val string   `json:"val"`
}

// Op kinds, matching the wire encoding.
const (
	OpInsert = "ins"
	OpDelete = "del"
)

// Op is a single insert or delete operation.
type Op struct {
	Kind   string `json:"kind"`
	ID     ID     `json:"id"`
	Char   Char   `json:"char,omitempty"`
	Target ID     `json:"target,omitempty"`
}

// StateVector summarizes which operations a replica already has, as the
// highest sequence number seen per actor. Actors assign sequence numbers
// contiguously, so the maximum is also the contiguous frontier.
type StateVector map[string]uint64

// Covers reports whether the vector already accounts for the given op ID.
func (v StateVector) Covers(id ID) bool {
	return id.Seq <= v[id.Actor]
}

// Observe raises the vector to include the given op ID.
func (v StateVector) Observe(id ID) {
	if id.Seq > v[id.Actor] {
		v[id.Actor] = id.Seq
	}
}

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for a, s := range v {
		out[a] = s
	}
	return out
}

type slot struct {
	ch      Char
	deleted bool
}

// Doc is one replica of the text. All mutation goes through InsertAt,
// DeleteAt, or ApplyOps; Doc is not safe for concurrent use and callers are
// expected to serialize access (the document adapter does).
type Doc struct {
	actor string
	seq   uint64

	slots   []slot
	log     []Op
	vector  StateVector
	pending map[ID]bool // tombstones whose insert has not arrived yet

	text      string
	textDirty bool
}

// NewDoc creates an empty replica owned by the given actor.
func NewDoc(actor string) *Doc {
	return &Doc{
		actor:   actor,
		vector:  make(StateVector),
		pending: make(map[ID]bool),
	}
}

// Actor returns the replica's actor identity.
func (d *Doc) Actor() string { return d.actor }

// StateVector returns a copy of the replica's op frontier.
func (d *Doc) StateVector() StateVector { return d.vector.Clone() }

// OpCount returns the number of operations in the replica's log.
func (d *Doc) OpCount() int { return len(d.log) }

// Text returns the current visible text.
func (d *Doc) Text() string {
	if d.textDirty {
		var b strings.Builder
		for i := range d.slots {
			if !d.slots[i].deleted {
				b.WriteString(d.slots[i].ch.Val)
			}
		}
		d.text = b.String()
		d.textDirty = false
	}
	return d.text
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	n := 0
	for i := range d.slots {
		if !d.slots[i].deleted {
			n++
		}
	}
	return n
}

func (d *Doc) nextID() ID {
	d.seq++
	return ID{Actor: d.actor, Seq: d.seq}
}

// slotIndex maps a visible character index to a slot index. idx == Len()
// maps to len(slots), the append position.
func (d *Doc) slotIndex(idx int) (int, error) {
	if idx < 0 {
		return 0, fmt.Errorf("index %d out of range", idx)
	}
	seen := 0
	for i := range d.slots {
		if d.slots[i].deleted {
			continue
		}
		if seen == idx {
			return i, nil
		}
		seen++
	}
	if seen == idx {
		return len(d.slots), nil
	}
	return 0, fmt.Errorf("index %d out of range (len %d)", idx, seen)
}

// InsertAt inserts text before the visible character at idx and returns the
// ops it generated. idx == Len() appends.
func (d *Doc) InsertAt(idx int, text string) ([]Op, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	at, err := d.slotIndex(idx)
	if err != nil {
		return nil, err
	}

	// Position bounds include tombstones: a new character between two
	// visible neighbours must still clear anything buried between them.
	var left, right Position
	if at > 0 {
		left = d.slots[at-1].ch.Pos
	}
	if at < len(d.slots) {
		right = d.slots[at].ch.Pos
	}

	positions := allocRun(left, right, len(runes), d.actor, d.seq+1)
	ops := make([]Op, len(runes))
	ins := make([]slot, len(runes))
	for i, r := range runes {
		id := d.nextID()
		ch := Char{ID: id, Pos: positions[i], Val: string(r)}
		ops[i] = Op{Kind: OpInsert, ID: id, Char: ch}
		ins[i] = slot{ch: ch}
		d.vector.Observe(id)
	}
	d.slots = append(d.slots[:at], append(ins, d.slots[at:]...)...)
	d.log = append(d.log, ops...)
	d.textDirty = true
	return ops, nil
}

// DeleteAt deletes n visible characters starting at idx and returns the ops
// it generated.
func (d *Doc) DeleteAt(idx, n int) ([]Op, error) {
	if n <= 0 {
		return nil, nil
	}
	at, err := d.slotIndex(idx)
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, n)
	for i := at; i < len(d.slots) && len(ops) < n; i++ {
		if d.slots[i].deleted {
			continue
		}
		id := d.nextID()
		ops = append(ops, Op{Kind: OpDelete, ID: id, Target: d.slots[i].ch.ID})
		d.slots[i].deleted = true
		d.vector.Observe(id)
	}
	if len(ops) < n {
		return nil, fmt.Errorf("delete range [%d,%d) exceeds document length", idx, idx+n)
	}
	d.log = append(d.log, ops...)
	d.textDirty = true
	return ops, nil
}

// ApplyOps merges remote operations into the replica. Ops the vector already
// covers are dropped, so re-applying a batch is a no-op. Inserts are applied
// before deletes so a delete can target an insert from the same batch.
// Returns the number of ops actually applied.
func (d *Doc) ApplyOps(ops []Op) int {
	applied := 0
	for _, op := range ops {
		if op.Kind != OpInsert || d.vector.Covers(op.ID) {
			continue
		}
		d.applyInsert(op)
		applied++
	}
	for _, op := range ops {
		if op.Kind != OpDelete || d.vector.Covers(op.ID) {
			continue
		}
		d.applyDelete(op)
		applied++
	}
	if applied > 0 {
		d.textDirty = true
	}
	return applied
}

func (d *Doc) applyInsert(op Op) {
	ch := op.Char
	at := sort.Search(len(d.slots), func(i int) bool {
		return ComparePositions(d.slots[i].ch.Pos, ch.Pos) >= 0
	})
	s := slot{ch: ch}
	if d.pending[ch.ID] {
		s.deleted = true
		delete(d.pending, ch.ID)
	}
	d.slots = append(d.slots[:at], append([]slot{s}, d.slots[at:]...)...)
	d.log = append(d.log, op)
	d.vector.Observe(op.ID)
}

func (d *Doc) applyDelete(op Op) {
	found := false
	for i := range d.slots {
		if d.slots[i].ch.ID == op.Target {
			d.slots[i].deleted = true
			found = true
			break
		}
	}
	if !found {
		d.pending[op.Target] = true
	}
	d.log = append(d.log, op)
	d.vector.Observe(op.ID)
}

// OpsSince returns the ops in the log that the given vector does not cover,
// in log order.
func (d *Doc) OpsSince(exclude StateVector) []Op {
	var out []Op
	for _, op := range d.log {
		if !exclude.Covers(op.ID) {
			out = append(out, op)
		}
	}
	return out
}
