package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"stitch/internal/reconcile"
)

// Frame is the wire message exchanged with an editor.
//
// Inbound types: "edit" (full replacement text) and "assist" (an instruction
// for the agent). Outbound types: "update" (merged document text), "assist_done",
// and "error".
type Frame struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Message     string `json:"message,omitempty"`
	Applied     int    `json:"applied,omitempty"`
	Skipped     int    `json:"skipped,omitempty"`
}

// session is one connected editor. It is the presentation boundary: applying
// a pushed update makes the editor fire a change event of its own right
// back, so every pushed text is remembered until its echo returns, and an
// inbound edit frame matching a pending push is dropped instead of
// reconciled into the document it just came from.
type session struct {
	conn   *websocket.Conn
	handle *docHandle
	send   chan Frame

	mu       sync.Mutex
	closed   bool
	pending  []pendingPush
	suppress reconcile.Suppressor
}

// pendingPush is one update in flight to the editor, awaiting its echo.
type pendingPush struct {
	text string
	tok  *reconcile.Token
}

func newSession(conn *websocket.Conn, handle *docHandle) *session {
	return &session{conn: conn, handle: handle, send: make(chan Frame, 64)}
}

// enqueue queues a frame unless the session is closed or its buffer is full.
// Queueing and closing are serialized by the session mutex, so a broadcast
// racing a disconnect is a dropped frame, never a send on a closed channel.
func (s *session) enqueue(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// close marks the session closed and lets the write pump drain out. Pushes
// arriving afterwards become no-ops. Safe to call more than once.
func (s *session) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	for _, p := range s.pending {
		p.tok.Release()
	}
	s.pending = nil
	s.mu.Unlock()
}

// pushUpdate queues merged text for delivery and opens a suppression scope
// that stays held until the editor's echo of exactly this text comes back.
// Delivery failure is logged and never aborts the caller's cycle.
func (s *session) pushUpdate(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- Frame{Type: "update", Text: text}:
		s.pending = append(s.pending, pendingPush{text: text, tok: s.suppress.Acquire()})
	default:
		log.Printf("server: session send buffer full, dropping update")
	}
}

// consumeEcho reports whether an inbound full-text edit is the editor's
// echo of a pending push. A match releases that push's scope along with
// every older one, since the editor saw those pushes before producing this
// frame. A miss means the editor has moved past every pending push with a
// genuine edit, so all scopes are released and the edit reconciles
// normally.
func (s *session) consumeEcho(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].text == text {
			for j := 0; j <= i; j++ {
				s.pending[j].tok.Release()
			}
			s.pending = append([]pendingPush(nil), s.pending[i+1:]...)
			return true
		}
	}
	for _, p := range s.pending {
		p.tok.Release()
	}
	s.pending = nil
	return false
}

func (s *session) readPump() {
	defer func() {
		s.handle.detach(s)
		s.conn.Close()
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendErr("malformed frame: " + err.Error())
			continue
		}
		s.handleFrame(f)
	}
}

func (s *session) handleFrame(f Frame) {
	switch f.Type {
	case "edit":
		if s.consumeEcho(f.Text) {
			return
		}
		if err := reconcile.ReconcileUserText(s.handle.doc, f.Text); err != nil {
			s.sendErr("applying edit: " + err.Error())
		}
	case "assist":
		res, err := s.handle.engine.RunCycle(context.Background(), f.Instruction)
		if err != nil {
			if errors.Is(err, reconcile.ErrCycleActive) {
				s.sendErr("an assist is already running")
				return
			}
			s.sendErr("assist failed: " + err.Error())
			return
		}
		if res.OpsMerged > 0 {
			if _, err := s.handle.db.AppendMerge(s.handle.id, res.Delta, res.BlocksApplied, res.BlocksSkipped); err != nil {
				log.Printf("server: journaling merge for %s: %v", s.handle.id, err)
			}
		}
		s.enqueue(Frame{Type: "assist_done", Applied: res.BlocksApplied, Skipped: res.BlocksSkipped})
	default:
		s.sendErr("unknown frame type: " + f.Type)
	}
}

func (s *session) sendErr(msg string) {
	if !s.enqueue(Frame{Type: "error", Message: msg}) {
		log.Printf("server: dropping error frame: %s", msg)
	}
}

func (s *session) writePump() {
	defer s.conn.Close()
	for f := range s.send {
		if err := s.conn.WriteJSON(f); err != nil {
			log.Printf("server: writing to session: %v", err)
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
