package engine

import (
	"sort"

	"teamdash/api/internal/cache"
	"teamdash/api/internal/codec"
)

// Token identifies one outstanding save.
type Token uint64

// PendingMutation describes what an outstanding save changed locally, as
// data, so recovery on failure is a type switch rather than a closure.
type PendingMutation interface {
	Target() codec.Path
	RecordID() int64
}

// InsertMutation is an optimistic insert. On failure the record is removed.
type InsertMutation struct {
	Path codec.Path
	ID   int64
}

// SendMutation is a chat message send. On failure the record stays and is
// marked Failed so the user can retry it.
type SendMutation struct {
	Path   codec.Path
	ID     int64
	Record codec.Record
}

// ToggleMutation is a fire-and-forget in-place change (field update,
// toggle, delete). Failure is reported, never rolled back.
type ToggleMutation struct {
	Path codec.Path
	ID   int64
}

// ReplaceMutation swaps a whole section. Previous is carried so a caller
// can offer undo; the engine itself does not roll it back.
type ReplaceMutation struct {
	Path     codec.Path
	Previous []byte
}

func (m InsertMutation) Target() codec.Path  { return m.Path }
func (m InsertMutation) RecordID() int64     { return m.ID }
func (m SendMutation) Target() codec.Path    { return m.Path }
func (m SendMutation) RecordID() int64       { return m.ID }
func (m ToggleMutation) Target() codec.Path  { return m.Path }
func (m ToggleMutation) RecordID() int64     { return m.ID }
func (m ReplaceMutation) Target() codec.Path { return m.Path }
func (m ReplaceMutation) RecordID() int64    { return 0 }

type stateTable interface {
	SetState(id int64, state cache.SendState)
}

// Coordinator tracks outstanding saves.
//
// INVARIANTS:
//   - Pending() never goes negative; EndSave of an unknown token is a no-op.
//   - Every BeginSave is paired with exactly one EndSave by the dispatcher.
//   - Epoch() strictly increases with every BeginSave.
//
// Coordinator is not safe for concurrent use; the engine lock guards it.
type Coordinator struct {
	next      Token
	epoch     uint64
	mutations map[Token]PendingMutation
	inFlight  map[int64]int
	states    stateTable
}

// NewCoordinator creates a coordinator marking send states in states.
func NewCoordinator(states stateTable) *Coordinator {
	return &Coordinator{
		mutations: make(map[Token]PendingMutation),
		inFlight:  make(map[int64]int),
		states:    states,
	}
}

// BeginSave registers an outstanding save and returns its token.
func (c *Coordinator) BeginSave(m PendingMutation) Token {
	c.next++
	c.epoch++
	token := c.next
	c.mutations[token] = m

	if id := m.RecordID(); id != 0 {
		c.inFlight[id]++
		switch m.(type) {
		case InsertMutation, SendMutation:
			c.states.SetState(id, cache.Sending)
		}
	}
	return token
}

// EndSave settles a save. It returns the mutation the token was opened
// with, or false when the token is unknown or already settled.
func (c *Coordinator) EndSave(token Token, saveErr error) (PendingMutation, bool) {
	m, ok := c.mutations[token]
	if !ok {
		return nil, false
	}
	delete(c.mutations, token)

	if id := m.RecordID(); id != 0 {
		c.inFlight[id]--
		if c.inFlight[id] <= 0 {
			delete(c.inFlight, id)
		}
		switch m.(type) {
		case SendMutation:
			if saveErr != nil {
				c.states.SetState(id, cache.Failed)
			} else if c.inFlight[id] == 0 {
				c.states.SetState(id, cache.Confirmed)
			}
		case InsertMutation:
			if c.inFlight[id] == 0 {
				c.states.SetState(id, cache.Confirmed)
			}
		}
	}
	return m, true
}

// Pending is the number of unacknowledged saves.
func (c *Coordinator) Pending() int {
	return len(c.mutations)
}

// InFlight reports whether a save naming the record is outstanding.
func (c *Coordinator) InFlight(id int64) bool {
	return c.inFlight[id] > 0
}

// Epoch changes every time a save begins.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch
}

// ShouldDeferPoll reports whether a snapshot fetched at epoch must not be
// applied: a save is outstanding, or one began after the fetch started.
func (c *Coordinator) ShouldDeferPoll(epoch uint64) bool {
	return len(c.mutations) > 0 || c.epoch != epoch
}

// Outstanding lists pending mutations in token order.
func (c *Coordinator) Outstanding() []PendingMutation {
	tokens := make([]Token, 0, len(c.mutations))
	for t := range c.mutations {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	out := make([]PendingMutation, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, c.mutations[t])
	}
	return out
}
