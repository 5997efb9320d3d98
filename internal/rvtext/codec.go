package rvtext

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// stateBlob is the wire form of an exported op set: a zstd-compressed JSON
// document. The same encoding serves full states and deltas; importing is
// always a merge.
type stateBlob struct {
	Ops []Op `json:"ops"`
}

func encodeOps(ops []Op) ([]byte, error) {
	raw, err := json.Marshal(stateBlob{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encoding ops: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeOps(data []byte) ([]Op, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing state: %w", err)
	}
	var blob stateBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return blob.Ops, nil
}

// ExportState encodes the replica's full operation log.
func (d *Doc) ExportState() ([]byte, error) {
	return encodeOps(d.log)
}

// ExportDelta encodes the ops the given vector does not cover. Merging the
// result into the replica that produced the vector brings it up to date
// without resending history it already has.
func (d *Doc) ExportDelta(exclude StateVector) ([]byte, error) {
	return encodeOps(d.OpsSince(exclude))
}

// ImportState decodes an exported state or delta and merges it. Returns the
// number of ops that were new to this replica.
func (d *Doc) ImportState(data []byte) (int, error) {
	ops, err := decodeOps(data)
	if err != nil {
		return 0, err
	}
	return d.ApplyOps(ops), nil
}

// NewDocFromState builds a replica owned by actor whose history is exactly
// the exported state. The actor must not appear in the imported history;
// callers use a fresh identity per replica.
func NewDocFromState(actor string, data []byte) (*Doc, error) {
	d := NewDoc(actor)
	if _, err := d.ImportState(data); err != nil {
		return nil, err
	}
	return d, nil
}
