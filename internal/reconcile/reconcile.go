// Package reconcile runs the agent edit cycle against a live replicated
// document and folds local user edits into it.
//
// The cycle: fork the live document into a shadow, hand the frozen snapshot
// text to the agent, parse the edit blocks out of its reply, locate and
// apply them to the shadow, then merge back only the delta: the shadow ops
// the live document does not know yet, computed against the live document's
// CURRENT state vector, not the vector at fork time. Because the replicated
// text's merge is commutative, associative, and idempotent over
// causally-consistent ops, user edits made while the agent was thinking are
// new ops the shadow never had; the merge cannot touch them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"stitch/internal/document"
	"stitch/internal/editblock"
	"stitch/internal/patch"
)

// ErrCycleActive is returned when a second agent cycle is started while one
// is already in flight on the same engine. Cycles are serialized per
// document.
var ErrCycleActive = errors.New("an agent cycle is already running for this document")

// ErrNoAgent is returned by RunCycle when the engine was built without an
// agent, which happens when no API key is configured.
var ErrNoAgent = errors.New("no agent configured")

// AgentFunc is the external agent call: given the frozen snapshot text and
// an instruction, return raw output containing zero or more edit blocks (or
// the no-changes sentinel). Failures propagate to the cycle caller; the
// engine never retries.
type AgentFunc func(ctx context.Context, snapshot, instruction string) (string, error)

// CycleResult reports what one agent cycle did. Delta is the exact blob that
// was merged into the live document, kept for journaling.
type CycleResult struct {
	BlocksParsed  int
	BlocksApplied int
	BlocksSkipped int
	OpsMerged     int
	Delta         []byte
}

// Engine reconciles agent proposals into one live document.
type Engine struct {
	live    *document.Doc
	agent   AgentFunc
	patcher *patch.Patcher

	cycleMu sync.Mutex
	busy    bool
}

// NewEngine creates an engine bound to a live document and an agent.
func NewEngine(live *document.Doc, agent AgentFunc) *Engine {
	return NewEngineWithPatcher(live, agent, patch.New())
}

// NewEngineWithPatcher creates an engine with a tuned patcher.
func NewEngineWithPatcher(live *document.Doc, agent AgentFunc, p *patch.Patcher) *Engine {
	return &Engine{live: live, agent: agent, patcher: p}
}

// Doc returns the live document the engine reconciles into.
func (e *Engine) Doc() *document.Doc { return e.live }

// RunCycle executes one full agent cycle. The live document stays fully
// writable for the whole call; only the final merge mutates it, atomically.
// A second concurrent call fails fast with ErrCycleActive.
func (e *Engine) RunCycle(ctx context.Context, instruction string) (CycleResult, error) {
	if e.agent == nil {
		return CycleResult{}, ErrNoAgent
	}
	e.cycleMu.Lock()
	if e.busy {
		e.cycleMu.Unlock()
		return CycleResult{}, ErrCycleActive
	}
	e.busy = true
	e.cycleMu.Unlock()
	defer func() {
		e.cycleMu.Lock()
		e.busy = false
		e.cycleMu.Unlock()
	}()

	shadow, err := e.live.Fork()
	if err != nil {
		return CycleResult{}, fmt.Errorf("forking document: %w", err)
	}
	snapshot := shadow.Text()

	raw, err := e.agent(ctx, snapshot, instruction)
	if err != nil {
		return CycleResult{}, fmt.Errorf("agent call: %w", err)
	}

	blocks := editblock.Parse(raw)
	if len(blocks) == 0 {
		// "No changes" is a valid outcome, not an error.
		return CycleResult{}, nil
	}

	applied, err := e.patcher.ApplyBlocks(shadow, snapshot, blocks)
	res := CycleResult{
		BlocksParsed:  applied.Parsed,
		BlocksApplied: applied.Applied,
		BlocksSkipped: applied.Skipped,
	}
	if err != nil {
		return res, fmt.Errorf("applying blocks to shadow: %w", err)
	}

	merged, delta, err := e.Merge(shadow)
	if err != nil {
		return res, err
	}
	res.OpsMerged = merged
	res.Delta = delta
	return res, nil
}

// Merge folds a shadow's new operations into the live document: export the
// delta against the live document's current vector, import it atomically.
// No conflict resolution happens here; interleaving with concurrent user
// edits is governed entirely by the replicated text's own ordering rule.
// Returns the op count and the delta blob that was merged.
func (e *Engine) Merge(shadow *document.Doc) (int, []byte, error) {
	delta, err := shadow.ExportDelta(e.live.StateVector())
	if err != nil {
		return 0, nil, fmt.Errorf("exporting shadow delta: %w", err)
	}
	n, err := e.live.ImportState(delta)
	if err != nil {
		return 0, nil, fmt.Errorf("merging shadow delta: %w", err)
	}
	if n > 0 {
		log.Printf("reconcile: merged %d ops from shadow", n)
	}
	return n, delta, nil
}
