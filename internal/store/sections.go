package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"teamdash/api/internal/codec"
)

const (
	versionKey        = "version"
	presenceKey       = "presence"
	accessLogKey      = "log:access"
	modificationLog   = "log:modification"
	receiptsSection   = "readReceipts"
	defaultRetention  = 2000
	defaultDeltaDepth = 500
)

func sectionKey(name string) string    { return "section:" + name }
func generationKey(name string) string { return "section_gen:" + name }

// Snapshot is the reply to a versioned fetch.
type Snapshot struct {
	Sections  map[string]json.RawMessage `json:"sections"`
	Version   int64                      `json:"version"`
	Partial   bool                       `json:"partial"`
	Unchanged bool                       `json:"unchanged"`
}

// LogEntry is one access or modification log line.
type LogEntry struct {
	At      time.Time `json:"at"`
	User    string    `json:"user"`
	Action  string    `json:"action"`
	Section string    `json:"section,omitempty"`
	Note    string    `json:"note,omitempty"`
	Version int64     `json:"version,omitempty"`
}

// LogKind selects one of the two server logs.
type LogKind string

const (
	AccessLog       LogKind = "access"
	ModificationLog LogKind = "modification"
)

// OnlineUser is a presence entry.
type OnlineUser struct {
	Name       string    `json:"name"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Sections is the versioned section repository.
//
// Every write bumps a global version counter and stamps the written section
// with that version, so a fetch carrying an older token can be answered with
// only the sections written since. Writes and fetches are serialized by an
// in-process lock; the KV itself offers no transactions, so a single API
// instance is assumed to front a given key space.
type Sections struct {
	mu          sync.RWMutex
	kv          KV
	registry    *codec.Registry
	deltaWindow int64
	retention   int64
	now         func() time.Time
	logger      *slog.Logger
}

// SectionsOption configures Sections.
type SectionsOption func(*Sections)

// WithDeltaWindow sets how many versions behind a token may be and still get
// a partial reply.
func WithDeltaWindow(n int64) SectionsOption {
	return func(s *Sections) {
		if n > 0 {
			s.deltaWindow = n
		}
	}
}

// WithLogRetention caps the number of entries kept per log.
func WithLogRetention(n int64) SectionsOption {
	return func(s *Sections) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithLogger sets the logger used for failures that do not fail the call.
func WithLogger(logger *slog.Logger) SectionsOption {
	return func(s *Sections) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) SectionsOption {
	return func(s *Sections) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSections creates a repository over kv.
func NewSections(kv KV, registry *codec.Registry, opts ...SectionsOption) *Sections {
	s := &Sections{
		kv:          kv,
		registry:    registry,
		deltaWindow: defaultDeltaDepth,
		retention:   defaultRetention,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the section registry.
func (s *Sections) Registry() *codec.Registry { return s.registry }

// Ping checks the backing store.
func (s *Sections) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Save replaces a whole section, records a modification log entry and
// returns the new version token. The last writer of a section wins. Once the
// section is written the save has succeeded; a failed log append is only
// logged and counted.
func (s *Sections) Save(ctx context.Context, section string, value json.RawMessage, author, note string) (int64, error) {
	encoded, err := s.registry.Encode(section, value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	version, err := s.writeLocked(ctx, section, encoded)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	entry := LogEntry{
		At:      s.now().UTC(),
		User:    author,
		Action:  "save",
		Section: section,
		Note:    note,
		Version: version,
	}
	s.recordLog(ctx, modificationLog, entry)
	return version, nil
}

func (s *Sections) writeLocked(ctx context.Context, section, encoded string) (int64, error) {
	if err := s.kv.Set(ctx, sectionKey(section), encoded); err != nil {
		return 0, fmt.Errorf("save section %s: %w", section, err)
	}
	version, err := s.kv.Incr(ctx, versionKey)
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	if err := s.kv.Set(ctx, generationKey(section), strconv.FormatInt(version, 10)); err != nil {
		return 0, fmt.Errorf("stamp section %s: %w", section, err)
	}
	return version, nil
}

// Load returns one section's decoded value.
func (s *Sections) Load(ctx context.Context, section string) (json.RawMessage, error) {
	if _, err := s.registry.Shape(section); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(ctx, section)
}

func (s *Sections) loadLocked(ctx context.Context, section string) (json.RawMessage, error) {
	raw, _, err := s.kv.Get(ctx, sectionKey(section))
	if err != nil {
		return nil, fmt.Errorf("load section %s: %w", section, err)
	}
	value, _, err := s.registry.Decode(section, raw)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Version returns the current version token.
func (s *Sections) Version(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versionLocked(ctx)
}

func (s *Sections) versionLocked(ctx context.Context) (int64, error) {
	raw, ok, err := s.kv.Get(ctx, versionKey)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// Fetch answers a versioned snapshot request.
//
//   - since equal to the current version: unchanged, no sections.
//   - since zero, ahead of the store, or older than the delta window: full.
//   - otherwise: partial, only sections stamped after since.
func (s *Sections) Fetch(ctx context.Context, since int64) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, err := s.versionLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if since != 0 && since == current {
		return Snapshot{Sections: map[string]json.RawMessage{}, Version: current, Unchanged: true}, nil
	}

	full := since <= 0 || since > current || current-since > s.deltaWindow
	out := Snapshot{Sections: map[string]json.RawMessage{}, Version: current, Partial: !full}
	for _, name := range s.registry.Names() {
		gen, err := s.generationLocked(ctx, name)
		if err != nil {
			return Snapshot{}, err
		}
		if gen == 0 {
			continue
		}
		if !full && gen <= since {
			continue
		}
		value, err := s.loadLocked(ctx, name)
		if err != nil {
			return Snapshot{}, err
		}
		out.Sections[name] = value
	}
	return out, nil
}

func (s *Sections) generationLocked(ctx context.Context, section string) (int64, error) {
	raw, ok, err := s.kv.Get(ctx, generationKey(section))
	if err != nil {
		return 0, fmt.Errorf("read generation %s: %w", section, err)
	}
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read generation %s: %w", section, err)
	}
	return gen, nil
}

// MergeReceipts folds read markers into the readReceipts section, keeping
// the larger marker per section and user. It returns the new version, or
// the current one when nothing advanced.
func (s *Sections) MergeReceipts(ctx context.Context, receipts map[string]map[string]int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx, receiptsSection)
	if err != nil {
		return 0, err
	}
	merged := map[string]map[string]int64{}
	if err := json.Unmarshal(current, &merged); err != nil {
		merged = map[string]map[string]int64{}
	}

	advanced := false
	for section, users := range receipts {
		if merged[section] == nil {
			merged[section] = map[string]int64{}
		}
		for user, marker := range users {
			if marker > merged[section][user] {
				merged[section][user] = marker
				advanced = true
			}
		}
	}
	if !advanced {
		return s.versionLocked(ctx)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("encode receipts: %w", err)
	}
	return s.writeLocked(ctx, receiptsSection, string(encoded))
}

// Touch records presence for name. join also appends an access log entry;
// leave removes the user.
func (s *Sections) Touch(ctx context.Context, name, action string) error {
	s.mu.Lock()
	users, err := s.presenceLocked(ctx)
	if err == nil {
		now := s.now().UTC()
		if action == "leave" {
			delete(users, name)
		} else {
			users[name] = now.UnixMilli()
		}
		err = s.storePresenceLocked(ctx, users)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if action == "join" || action == "leave" {
		s.recordLog(ctx, accessLogKey, LogEntry{At: s.now().UTC(), User: name, Action: action})
	}
	return nil
}

// Online lists users seen within ttl, sorted by name.
func (s *Sections) Online(ctx context.Context, ttl time.Duration) ([]OnlineUser, error) {
	s.mu.RLock()
	users, err := s.presenceLocked(ctx)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-ttl)
	out := make([]OnlineUser, 0, len(users))
	for name, ms := range users {
		seen := time.UnixMilli(ms).UTC()
		if seen.Before(cutoff) {
			continue
		}
		out = append(out, OnlineUser{Name: name, LastSeenAt: seen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Sections) presenceLocked(ctx context.Context) (map[string]int64, error) {
	raw, ok, err := s.kv.Get(ctx, presenceKey)
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	users := map[string]int64{}
	if !ok || raw == "" {
		return users, nil
	}
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return map[string]int64{}, nil
	}
	return users, nil
}

func (s *Sections) storePresenceLocked(ctx context.Context, users map[string]int64) error {
	encoded, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := s.kv.Set(ctx, presenceKey, string(encoded)); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	return nil
}

// recordLog appends entry to a log list. Failures are logged and counted
// but never fail the write that produced the entry.
func (s *Sections) recordLog(ctx context.Context, key string, entry LogEntry) {
	if err := s.appendLog(ctx, key, entry); err != nil {
		logAppendFailures.WithLabelValues(key).Inc()
		s.logger.Warn("log append failed", "log", key, "section", entry.Section, "version", entry.Version, "error", err)
	}
}

func (s *Sections) appendLog(ctx context.Context, key string, entry LogEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if err := s.kv.Append(ctx, key, string(encoded)); err != nil {
		return err
	}
	return s.kv.Trim(ctx, key, -s.retention, -1)
}

// Logs returns entries of kind recorded within the last sinceDays days,
// newest first. sinceDays <= 0 returns everything retained.
func (s *Sections) Logs(ctx context.Context, kind LogKind, sinceDays int) ([]LogEntry, error) {
	key := accessLogKey
	if kind == ModificationLog {
		key = modificationLog
	} else if kind != AccessLog {
		return nil, fmt.Errorf("%w: log %q", ErrNotFound, kind)
	}

	lines, err := s.kv.Range(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	var cutoff time.Time
	if sinceDays > 0 {
		cutoff = s.now().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	}
	out := make([]LogEntry, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		var entry LogEntry
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			continue
		}
		if !cutoff.IsZero() && entry.At.Before(cutoff) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
