package clock

import "sync"

// IDsPerSecond is the number of record ids available per wall-clock second.
const IDsPerSecond = 100

// IDGen assigns record ids as createdUnixSeconds*100 + seq.
//
// Ids are strictly increasing for the lifetime of the generator, so they can
// be compared against read markers as a logical clock. When one second
// produces more than IDsPerSecond ids the generator keeps counting into the
// next second's range instead of wrapping.
type IDGen struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

// NewIDGen creates a generator reading time from c.
func NewIDGen(c Clock) *IDGen {
	return &IDGen{clock: c}
}

// Next returns the next record id.
func (g *IDGen) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	base := g.clock.Now().Unix() * IDsPerSecond
	id := base
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// Observe moves the generator past an id seen elsewhere (for example in a
// hydrated snapshot) so locally created ids stay above it.
func (g *IDGen) Observe(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.last {
		g.last = id
	}
}

// CreatedAt recovers the creation second encoded in a record id.
func CreatedAt(id int64) int64 {
	return id / IDsPerSecond
}
