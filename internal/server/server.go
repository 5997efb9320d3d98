// Package server exposes live documents over WebSocket sessions. Each
// connected editor holds one session; a session carries full-text user edits
// inward and pushes merged updates outward. The server owns the live
// document instances and their persistence.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"stitch/internal/config"
	"stitch/internal/document"
	"stitch/internal/locate"
	"stitch/internal/patch"
	"stitch/internal/reconcile"
	"stitch/internal/store"
)

// Server routes editor sessions onto live documents.
type Server struct {
	cfg   *config.Config
	db    *store.DB
	agent reconcile.AgentFunc

	mu   sync.Mutex
	docs map[string]*docHandle

	upgrader websocket.Upgrader
}

// New creates a server. agent may be nil, in which case assist requests are
// rejected but editing still works.
func New(cfg *config.Config, db *store.DB, agent reconcile.AgentFunc) *Server {
	return &Server{
		cfg:   cfg,
		db:    db,
		agent: agent,
		docs:  make(map[string]*docHandle),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// newPatcher builds a patcher with the configured match tuning.
func (s *Server) newPatcher() *patch.Patcher {
	return patch.NewWithOptions(locate.Options{
		MatchThreshold: s.cfg.MatchThreshold,
		MatchDistance:  s.cfg.MatchDistance,
	})
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /docs", s.handleListDocs)
	mux.HandleFunc("GET /ws/{doc}", s.handleWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleListDocs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.db.ListDocuments()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"documents": ids})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc")
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	handle, err := s.openDoc(docID)
	if err != nil {
		log.Printf("server: opening document %s: %v", docID, err)
		http.Error(w, "cannot open document", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade failed: %v", err)
		return
	}
	sess := newSession(conn, handle)
	handle.attach(sess)
	go sess.writePump()
	sess.readPump()
}

// openDoc returns the live handle for a document, creating it (from the
// persisted state if any) on first use.
func (s *Server) openDoc(id string) (*docHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.docs[id]; ok {
		return h, nil
	}

	var doc *document.Doc
	state, err := s.db.LoadDocument(id)
	switch {
	case err == nil:
		doc, err = document.FromState(state)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrDocNotFound):
		doc = document.New()
	default:
		return nil, err
	}

	h := &docHandle{
		id:       id,
		doc:      doc,
		engine:   reconcile.NewEngineWithPatcher(doc, s.agent, s.newPatcher()),
		db:       s.db,
		sessions: make(map[*session]bool),
	}
	doc.OnChange(h.onChange)
	s.docs[id] = h
	return h, nil
}

// docHandle is one live document plus everything attached to it.
type docHandle struct {
	id     string
	doc    *document.Doc
	engine *reconcile.Engine
	db     *store.DB

	mu       sync.Mutex
	lastSeq  uint64
	sessions map[*session]bool
}

func (h *docHandle) attach(s *session) {
	h.mu.Lock()
	h.sessions[s] = true
	// Bring the new editor up to date immediately, under the handle lock so
	// the initial push cannot land after a concurrent broadcast of newer
	// text.
	s.pushUpdate(h.doc.Text())
	h.mu.Unlock()
}

func (h *docHandle) detach(s *session) {
	h.mu.Lock()
	if h.sessions[s] {
		delete(h.sessions, s)
		s.close()
	}
	h.mu.Unlock()
}

// onChange runs after every committed mutation: persist the new state and
// fan the text out to every attached editor. Change delivery happens outside
// the document lock, so two racing mutations can notify out of order; the
// sequence gate drops the change that lost that race, keeping newer text
// from being overwritten on editors by older text. Persisting and
// broadcasting stay under the handle lock so they follow the same order.
func (h *docHandle) onChange(c document.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Seq <= h.lastSeq {
		return
	}
	h.lastSeq = c.Seq
	h.persist()
	for s := range h.sessions {
		s.pushUpdate(c.Text)
	}
}

func (h *docHandle) persist() {
	state, err := h.doc.ExportState()
	if err != nil {
		log.Printf("server: exporting %s for persistence: %v", h.id, err)
		return
	}
	if err := h.db.SaveDocument(h.id, state, len(h.doc.Text())); err != nil {
		log.Printf("server: persisting %s: %v", h.id, err)
	}
}
