package store

import (
	"bytes"
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveLoadDocument(t *testing.T) {
	db := openTestDB(t)

	state := []byte("opaque state blob")
	if err := db.SaveDocument("notes", state, 17); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadDocument("notes")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, state) {
		t.Fatalf("state = %q", got)
	}

	// Upsert replaces.
	state2 := []byte("newer state")
	if err := db.SaveDocument("notes", state2, 11); err != nil {
		t.Fatal(err)
	}
	got, err = db.LoadDocument("notes")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, state2) {
		t.Fatalf("state after upsert = %q", got)
	}
}

func TestLoadMissingDocument(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.LoadDocument("nope"); !errors.Is(err, ErrDocNotFound) {
		t.Fatalf("err = %v, want ErrDocNotFound", err)
	}
}

func TestListDocuments(t *testing.T) {
	db := openTestDB(t)
	for _, id := range []string{"a", "b"} {
		if err := db.SaveDocument(id, []byte(id), 1); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := db.ListDocuments()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestMergeJournal(t *testing.T) {
	db := openTestDB(t)

	seq, err := db.AppendMerge("notes", []byte("delta-one"), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("first seq = %d", seq)
	}
	seq, err = db.AppendMerge("notes", []byte("delta-two"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Fatalf("second seq = %d", seq)
	}

	recs, err := db.Merges("notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Seq != 1 || !bytes.Equal(recs[0].Delta, []byte("delta-one")) {
		t.Fatalf("record 0 = %+v", recs[0])
	}
	if recs[1].BlocksApplied != 1 || recs[1].BlocksSkipped != 1 {
		t.Fatalf("record 1 = %+v", recs[1])
	}

	// Journals are per document.
	other, err := db.Merges("other")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected records: %+v", other)
	}
}
