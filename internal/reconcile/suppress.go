package reconcile

import (
	"sync"
	"sync/atomic"
)

// Suppressor guards against notification feedback loops: when a merged
// result is pushed outward into the presentation layer, the editor fires a
// "document changed" event right back, and treating that echo as a user edit
// would re-reconcile text that is already in the document.
//
// The push path acquires a token for the duration of the push; the
// change-notification path drops events while any token is held. A token is
// released explicitly, on every exit path including failures, and releasing
// twice is harmless.
type Suppressor struct {
	held atomic.Int32
}

// Token represents one active suppression scope.
type Token struct {
	s    *Suppressor
	once sync.Once
}

// Acquire opens a suppression scope.
func (s *Suppressor) Acquire() *Token {
	s.held.Add(1)
	return &Token{s: s}
}

// Release closes the scope. Safe to call more than once.
func (t *Token) Release() {
	t.once.Do(func() { t.s.held.Add(-1) })
}

// Active reports whether any suppression scope is open.
func (s *Suppressor) Active() bool {
	return s.held.Load() > 0
}
