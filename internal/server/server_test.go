package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stitch/internal/config"
	"stitch/internal/document"
	"stitch/internal/reconcile"
	"stitch/internal/store"
)

func startTestServer(t *testing.T, agent func(ctx context.Context, snapshot, instruction string) (string, error)) (*httptest.Server, *store.DB) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	srv := New(config.Default(), db, agent)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, db
}

func dialDoc(t *testing.T, ts *httptest.Server, doc string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + doc
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one matches the predicate or the deadline
// passes.
func readUntil(t *testing.T, conn *websocket.Conn, what string, pred func(Frame) bool) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if pred(f) {
			return f
		}
	}
}

func TestSessionEditAndBroadcast(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	a := dialDoc(t, ts, "notes")
	b := dialDoc(t, ts, "notes")

	// Both editors receive the initial (empty) state.
	readUntil(t, a, "initial update", func(f Frame) bool { return f.Type == "update" })
	readUntil(t, b, "initial update", func(f Frame) bool { return f.Type == "update" })

	if err := a.WriteJSON(Frame{Type: "edit", Text: "hello from a\n"}); err != nil {
		t.Fatal(err)
	}

	got := readUntil(t, b, "broadcast", func(f Frame) bool {
		return f.Type == "update" && f.Text != ""
	})
	if got.Text != "hello from a\n" {
		t.Fatalf("broadcast text = %q", got.Text)
	}
}

func TestSessionAssist(t *testing.T) {
	agent := func(ctx context.Context, snapshot, instruction string) (string, error) {
		return "<<<<<<< SEARCH\ndraft\n=======\nfinal\n>>>>>>>\n", nil
	}
	ts, db := startTestServer(t, agent)

	conn := dialDoc(t, ts, "notes")
	readUntil(t, conn, "initial update", func(f Frame) bool { return f.Type == "update" })

	if err := conn.WriteJSON(Frame{Type: "edit", Text: "draft\n"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Frame{Type: "assist", Instruction: "finalize"}); err != nil {
		t.Fatal(err)
	}

	done := readUntil(t, conn, "assist_done", func(f Frame) bool { return f.Type == "assist_done" })
	if done.Applied != 1 {
		t.Fatalf("assist_done = %+v", done)
	}
	readUntil(t, conn, "merged update", func(f Frame) bool {
		return f.Type == "update" && f.Text == "final\n"
	})

	// The merge is journaled.
	recs, err := db.Merges("notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].BlocksApplied != 1 {
		t.Fatalf("journal = %+v", recs)
	}
}

func TestDocumentPersistsAcrossReopen(t *testing.T) {
	ts, db := startTestServer(t, nil)

	conn := dialDoc(t, ts, "memo")
	readUntil(t, conn, "initial update", func(f Frame) bool { return f.Type == "update" })
	if err := conn.WriteJSON(Frame{Type: "edit", Text: "persisted text\n"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "ack update", func(f Frame) bool {
		return f.Type == "update" && f.Text == "persisted text\n"
	})

	// A new server over the same database sees the saved document.
	srv2 := New(config.Default(), db, nil)
	ts2 := httptest.NewServer(srv2.Router())
	defer ts2.Close()
	conn2 := dialDoc(t, ts2, "memo")
	got := readUntil(t, conn2, "restored state", func(f Frame) bool { return f.Type == "update" })
	if got.Text != "persisted text\n" {
		t.Fatalf("restored text = %q", got.Text)
	}
}

func TestUnknownFrameType(t *testing.T) {
	ts, _ := startTestServer(t, nil)
	conn := dialDoc(t, ts, "notes")
	readUntil(t, conn, "initial update", func(f Frame) bool { return f.Type == "update" })

	if err := conn.WriteJSON(Frame{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "error frame", func(f Frame) bool { return f.Type == "error" })
}

// openTestHandle builds a live document handle without any network,
// for exercising broadcast and session internals directly.
func openTestHandle(t *testing.T, id string) *docHandle {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	srv := New(config.Default(), db, nil)
	h, err := srv.openDoc(id)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// drain empties a session's outbound buffer and returns the frames.
func drain(s *session) []Frame {
	var out []Frame
	for {
		select {
		case f := <-s.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestBroadcastDuringDetach(t *testing.T) {
	h := openTestHandle(t, "stress")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.onChange(document.Change{Origin: document.OriginLocal, Text: "tick", Seq: uint64(i + 1)})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s := newSession(nil, h)
				h.attach(s)
				h.detach(s)
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestStalePushEchoDropped(t *testing.T) {
	h := openTestHandle(t, "echo")
	if err := reconcile.ReconcileUserText(h.doc, "alpha\n"); err != nil {
		t.Fatal(err)
	}

	s := newSession(nil, h)
	h.attach(s) // pushes "alpha\n"

	// The live document moves on before the editor's echo of that push
	// makes it back.
	if err := reconcile.ReconcileUserText(h.doc, "alpha\nbeta\n"); err != nil {
		t.Fatal(err)
	}

	s.handleFrame(Frame{Type: "edit", Text: "alpha\n"})
	if got := h.doc.Text(); got != "alpha\nbeta\n" {
		t.Fatalf("stale echo reverted the document to %q", got)
	}

	// The echo of the newer push is dropped too, and once every pending
	// push is accounted for the suppression scopes are all released.
	s.handleFrame(Frame{Type: "edit", Text: "alpha\nbeta\n"})
	if got := h.doc.Text(); got != "alpha\nbeta\n" {
		t.Fatalf("echo mutated the document to %q", got)
	}
	if s.suppress.Active() {
		t.Fatal("suppression scope still held after all echoes returned")
	}
}

func TestGenuineEditPassesEchoGuard(t *testing.T) {
	h := openTestHandle(t, "typing")
	s := newSession(nil, h)
	h.attach(s) // pushes the initial empty text

	// An edit that differs from every pending push is real typing.
	s.handleFrame(Frame{Type: "edit", Text: "typed by hand\n"})
	if got := h.doc.Text(); got != "typed by hand\n" {
		t.Fatalf("genuine edit not applied: %q", got)
	}
	if s.suppress.Active() {
		t.Fatal("suppression scope survived a genuine edit")
	}
}

func TestStaleChangeNotBroadcast(t *testing.T) {
	h := openTestHandle(t, "ordering")
	s := newSession(nil, h)
	h.attach(s)
	drain(s)

	h.onChange(document.Change{Origin: document.OriginMerge, Text: "newer", Seq: 5})
	h.onChange(document.Change{Origin: document.OriginMerge, Text: "older", Seq: 4})

	frames := drain(s)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Text != "newer" {
		t.Fatalf("broadcast text = %q", frames[0].Text)
	}
}

func TestAssistWithoutAgent(t *testing.T) {
	ts, _ := startTestServer(t, nil)
	conn := dialDoc(t, ts, "notes")
	readUntil(t, conn, "initial update", func(f Frame) bool { return f.Type == "update" })

	if err := conn.WriteJSON(Frame{Type: "assist", Instruction: "do something"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "error frame", func(f Frame) bool { return f.Type == "error" })
}
