package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"teamdash/api/internal/clock"
	"teamdash/api/internal/codec"
)

const receiptsSection = "readReceipts"

// ReadTracker keeps the local user's per-section read markers.
//
// A marker is the largest record id seen in the active section. Markers
// never decrease. Each advance is written to the durable store at once and
// to the backing store after the debounce window, coalescing bursts into one
// call.
type ReadTracker struct {
	e *Engine

	// Guarded by e.mu.
	active  string
	markers map[string]int64
	dirty   map[string]int64
	timer   clock.Timer
	// failures counts consecutive failed flushes; it stretches the resend delay.
	failures int
}

// maxReceiptRetry caps the delay before a failed flush is resent.
const maxReceiptRetry = time.Minute

func newReadTracker(e *Engine) *ReadTracker {
	return &ReadTracker{
		e:       e,
		markers: make(map[string]int64),
		dirty:   make(map[string]int64),
	}
}

func receiptKey(user, path string) string {
	return "receipt:" + user + ":" + path
}

// Activate makes path the active section and marks it read.
func (r *ReadTracker) Activate(path string) (int64, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	r.active = path
	return r.advanceLocked(path)
}

// Active returns the active path.
func (r *ReadTracker) Active() string {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.active
}

// Observe marks the active section read after new records arrived in it.
func (r *ReadTracker) Observe(path string) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if path == r.active {
		r.advanceLocked(path)
	}
}

func (r *ReadTracker) observeLocked(sections []string) {
	if r.active == "" {
		return
	}
	activeSection := codec.ParsePath(r.active).Section
	for _, s := range sections {
		if s == activeSection {
			r.advanceLocked(r.active)
			return
		}
	}
}

// Marker returns the stored read marker for path.
func (r *ReadTracker) Marker(path string) int64 {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.markerLocked(path)
}

// Unread counts records in path written by someone else after the marker.
func (r *ReadTracker) Unread(path string) (int, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()

	records, err := r.e.recordsLocked(codec.ParsePath(path))
	if err != nil {
		return 0, err
	}
	marker := r.markerLocked(path)
	n := 0
	for _, rec := range records {
		if rec.ID() > marker && rec.Author() != r.e.cfg.User {
			n++
		}
	}
	return n, nil
}

func (r *ReadTracker) advanceLocked(path string) (int64, error) {
	records, err := r.e.recordsLocked(codec.ParsePath(path))
	if err != nil {
		return 0, err
	}
	current := r.markerLocked(path)
	latest := codec.MaxID(records)
	if latest <= current {
		return current, nil
	}

	r.markers[path] = latest
	if err := r.e.durable.Store(receiptKey(r.e.cfg.User, path), []byte(strconv.FormatInt(latest, 10))); err != nil {
		r.e.logger.Warn("store read marker failed", "path", path, "error", err)
	}
	r.dirty[path] = latest
	r.scheduleLocked()
	return latest, nil
}

// markerLocked is the largest of the in-memory, durable and server-side
// markers for path.
func (r *ReadTracker) markerLocked(path string) int64 {
	marker := r.markers[path]
	if raw, ok, err := r.e.durable.Load(receiptKey(r.e.cfg.User, path)); err == nil && ok {
		if stored, err := strconv.ParseInt(string(raw), 10, 64); err == nil && stored > marker {
			marker = stored
		}
	}
	if remote := r.remoteLocked(path); remote > marker {
		marker = remote
	}
	r.markers[path] = marker
	return marker
}

func (r *ReadTracker) remoteLocked(path string) int64 {
	if !r.e.registry.Has(receiptsSection) {
		return 0
	}
	value, err := r.e.cache.Get(receiptsSection)
	if err != nil {
		return 0
	}
	var receipts map[string]map[string]int64
	if err := json.Unmarshal(value, &receipts); err != nil {
		return 0
	}
	return receipts[path][r.e.cfg.User]
}

func (r *ReadTracker) scheduleLocked() {
	r.scheduleAfterLocked(r.e.cfg.ReceiptDebounce)
}

func (r *ReadTracker) scheduleAfterLocked(d time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.e.clock.AfterFunc(d, func() {
		r.Flush(context.Background())
	})
}

// Flush sends pending markers now. On failure they are kept and a resend is
// scheduled, backing off up to maxReceiptRetry.
func (r *ReadTracker) Flush(ctx context.Context) {
	e := r.e
	e.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(r.dirty) == 0 {
		e.mu.Unlock()
		return
	}
	batch := make(map[string]map[string]int64, len(r.dirty))
	for path, marker := range r.dirty {
		batch[path] = map[string]int64{e.cfg.User: marker}
	}
	r.dirty = make(map[string]int64)
	e.mu.Unlock()

	if err := e.transport.PutReadReceipts(ctx, batch); err != nil {
		e.logger.Warn("send read receipts failed", "error", err)
		e.mu.Lock()
		for path, users := range batch {
			if users[e.cfg.User] > r.dirty[path] {
				r.dirty[path] = users[e.cfg.User]
			}
		}
		r.failures++
		if r.timer == nil {
			delay := e.cfg.ReceiptDebounce * time.Duration(r.failures)
			if delay > maxReceiptRetry {
				delay = maxReceiptRetry
			}
			r.scheduleAfterLocked(delay)
		}
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	r.failures = 0
	e.mu.Unlock()
}
