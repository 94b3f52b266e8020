package engine

import (
	"context"
	"errors"
	"sync"
)

// PollState is the poll loop's state.
type PollState int

const (
	Idle PollState = iota
	Fetching
	Backoff
)

func (s PollState) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Backoff:
		return "backoff"
	default:
		return "idle"
	}
}

// TickOutcome reports what one scheduler tick did.
type TickOutcome string

const (
	TickBusy      TickOutcome = "busy"      // a fetch is already running
	TickBackoff   TickOutcome = "backoff"   // skipped to back off after failures
	TickDeferred  TickOutcome = "deferred"  // local saves outstanding, not fetched
	TickUnchanged TickOutcome = "unchanged" // server had nothing new
	TickPartial   TickOutcome = "partial"   // changed sections applied
	TickFull      TickOutcome = "full"      // everything applied, snapshot persisted
	TickDiscarded TickOutcome = "discarded" // fetched, but a save started meanwhile
	TickFailed    TickOutcome = "failed"    // fetch failed or timed out
	TickCanceled  TickOutcome = "canceled"  // caller's context ended
)

// Poller is the delta poll loop: Idle -> Fetching -> {Idle, Backoff}.
//
// Tick is the single scheduler step. Backoff is counted in skipped ticks:
// after n consecutive failures the next min(n, BackoffCap) ticks are
// skipped, without a separate timer.
//
// A fetched snapshot is applied only if, at apply time, no save is
// outstanding and none began since the fetch was dispatched. Otherwise it
// is dropped and the version token is left as it was.
type Poller struct {
	e *Engine

	// Guarded by e.mu.
	state        PollState
	version      int64
	failures     int
	backoff      int
	reconnecting bool
}

func newPoller(e *Engine) *Poller {
	return &Poller{e: e}
}

// State returns the current state.
func (p *Poller) State() PollState {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.state
}

// Version returns the last applied version token.
func (p *Poller) Version() int64 {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.version
}

// BackoffRemaining returns how many ticks will still be skipped.
func (p *Poller) BackoffRemaining() int {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.backoff
}

// Tick runs one scheduler step.
func (p *Poller) Tick(ctx context.Context) TickOutcome {
	outcome := p.tick(ctx)
	pollsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (p *Poller) tick(ctx context.Context) TickOutcome {
	e := p.e
	e.mu.Lock()
	switch {
	case p.state == Fetching:
		e.mu.Unlock()
		return TickBusy
	case p.backoff > 0:
		p.backoff--
		if p.backoff == 0 {
			p.state = Idle
		}
		e.mu.Unlock()
		return TickBackoff
	case e.coord.Pending() > 0:
		e.mu.Unlock()
		return TickDeferred
	}
	p.state = Fetching
	since := p.version
	epoch := e.coord.Epoch()
	e.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	snap, err := e.transport.FetchSnapshot(fetchCtx, since)
	cancel()

	if err != nil {
		return p.fail(ctx, err)
	}
	return p.apply(snap, epoch)
}

func (p *Poller) fail(ctx context.Context, err error) TickOutcome {
	e := p.e
	e.mu.Lock()
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.state = Idle
		e.mu.Unlock()
		return TickCanceled
	}
	p.failures++
	p.backoff = min(p.failures, e.cfg.BackoffCap)
	p.state = Backoff
	announce := !p.reconnecting && p.failures >= e.cfg.ReconnectAfter
	if announce {
		p.reconnecting = true
	}
	failures := p.failures
	e.mu.Unlock()

	e.logger.Debug("poll failed", "failures", failures, "error", err)
	if announce {
		e.notify.Notice("Reconnecting…")
	}
	return TickFailed
}

func (p *Poller) apply(snap Snapshot, epoch uint64) TickOutcome {
	e := p.e
	e.mu.Lock()
	p.failures = 0
	p.backoff = 0
	p.state = Idle
	recovered := p.reconnecting
	p.reconnecting = false

	var (
		outcome    TickOutcome
		persistErr error
		changed    []string
	)
	switch {
	case e.coord.ShouldDeferPoll(epoch):
		outcome = TickDiscarded
	case snap.Unchanged:
		outcome = TickUnchanged
	default:
		changed = e.cache.Hydrate(snap.Sections)
		p.version = snap.Version
		outcome = TickPartial
		if !snap.Partial {
			outcome = TickFull
			persistErr = e.cache.Persist(e.durable, e.cfg.User, snap.Version)
		}
		if len(changed) > 0 {
			e.observeIDsLocked(changed)
			e.receipts.observeLocked(changed)
		}
	}
	e.mu.Unlock()

	if persistErr != nil {
		e.logger.Warn("persist snapshot failed", "error", persistErr)
	}
	if recovered {
		e.notify.Notice("Connected")
	}
	if len(changed) > 0 {
		e.logger.Debug("hydrated sections", "outcome", string(outcome), "sections", changed, "version", snap.Version)
	}
	return outcome
}

// Run ticks every PollInterval until ctx is done. The first tick fires
// immediately. Ticks run on their own goroutine so a slow fetch makes later
// ticks report TickBusy instead of queueing up.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.e.clock.NewTicker(p.e.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Tick(ctx)
		}()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			tick()
		}
	}
}
