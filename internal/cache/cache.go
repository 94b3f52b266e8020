// Package cache holds the client's in-memory mirror of every section and the
// device-local durable snapshot used for instant cold starts.
//
// Cache is not safe for concurrent use on its own; the engine serializes all
// access under its writer lock.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"teamdash/api/internal/codec"
)

// SendState is the transient delivery state of a chat-style record. It lives
// only in the cache and is never encoded into a section value.
type SendState int

const (
	Confirmed SendState = iota
	Sending
	Failed
)

func (s SendState) String() string {
	switch s {
	case Sending:
		return "sending"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Notifier receives user-visible notices raised while seeding.
type Notifier interface {
	Notice(message string)
}

// Cache is the local section cache.
type Cache struct {
	registry *codec.Registry
	values   map[string]json.RawMessage
	hydrated map[string]bool
	states   map[int64]SendState
	logger   *slog.Logger
}

// New creates an empty cache for the sections in registry.
func New(registry *codec.Registry, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		registry: registry,
		values:   make(map[string]json.RawMessage),
		hydrated: make(map[string]bool),
		states:   make(map[int64]SendState),
		logger:   logger,
	}
}

// Registry returns the section registry the cache was built with.
func (c *Cache) Registry() *codec.Registry { return c.registry }

// Get returns the current value of a section, or its empty value when it has
// never been set.
func (c *Cache) Get(section string) (json.RawMessage, error) {
	if v, ok := c.values[section]; ok {
		return v, nil
	}
	return c.registry.Empty(section)
}

// Set replaces a section's value.
func (c *Cache) Set(section string, value json.RawMessage) error {
	if !c.registry.Has(section) {
		return fmt.Errorf("%w: %q", codec.ErrUnknownSection, section)
	}
	c.values[section] = cloneRaw(value)
	return nil
}

// Hydrate overwrites the sections present in snapshot and leaves every other
// section untouched. Unknown or unusable entries are skipped. It returns the
// names of sections whose value actually changed.
func (c *Cache) Hydrate(snapshot map[string]json.RawMessage) []string {
	var changed []string
	for section, raw := range snapshot {
		value, ok, err := c.registry.Decode(section, string(raw))
		if err != nil {
			c.logger.Warn("hydrate skipped unknown section", "section", section)
			continue
		}
		if !ok && len(bytes.TrimSpace(raw)) > 0 && string(bytes.TrimSpace(raw)) != "null" {
			continue
		}
		c.hydrated[section] = true
		if prev, had := c.values[section]; had && bytes.Equal(prev, value) {
			continue
		}
		c.values[section] = cloneRaw(value)
		changed = append(changed, section)
	}
	return changed
}

// Hydrated reports whether the section has received real data.
func (c *Cache) Hydrated(section string) bool {
	return c.hydrated[section]
}

// Snapshot returns a copy of every section that holds a value.
func (c *Cache) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(c.values))
	for k, v := range c.values {
		out[k] = cloneRaw(v)
	}
	return out
}

// SetState records a transient send state. Confirmed clears the entry.
func (c *Cache) SetState(id int64, state SendState) {
	if state == Confirmed {
		delete(c.states, id)
		return
	}
	c.states[id] = state
}

// State returns the transient send state of a record.
func (c *Cache) State(id int64) SendState {
	return c.states[id]
}

// durableBlob is the on-device snapshot format.
type durableBlob struct {
	Version  int64                      `json:"version"`
	Sections map[string]json.RawMessage `json:"sections"`
}

// SnapshotKey is the durable key of a user's last full snapshot.
func SnapshotKey(user string) string {
	return "snapshot:" + user
}

// Seed loads the durable snapshot into the cache. It runs synchronously
// before any network call. A corrupt blob is treated as empty: the key is
// invalidated once and the notifier is told. The returned version is the
// token stored with the snapshot, or 0.
func (c *Cache) Seed(d Durable, user string, notify Notifier) (int64, error) {
	key := SnapshotKey(user)
	raw, ok, err := d.Load(key)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok || len(raw) == 0 {
		return 0, nil
	}

	var blob durableBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		c.logger.Warn("local snapshot is corrupt, discarding", "user", user, "error", err)
		if derr := d.Delete(key); derr != nil {
			return 0, fmt.Errorf("invalidate snapshot: %w", derr)
		}
		if notify != nil {
			notify.Notice("Local cache was unreadable and has been reset.")
		}
		return 0, nil
	}
	c.Hydrate(blob.Sections)
	return blob.Version, nil
}

// Persist writes the whole cache as the user's durable snapshot.
func (c *Cache) Persist(d Durable, user string, version int64) error {
	blob, err := json.Marshal(durableBlob{Version: version, Sections: c.values})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := d.Store(SnapshotKey(user), blob); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
