package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"teamdash/api/internal/codec"
	"teamdash/api/internal/config"
	"teamdash/api/internal/store"
)

type SaveSectionInput struct {
	Value  json.RawMessage `json:"value"`
	Author string          `json:"author"`
	Note   string          `json:"note"`
}

type PresenceInput struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

var allowedPresenceActions = map[string]struct{}{
	"join":      {},
	"leave":     {},
	"heartbeat": {},
}

type sectionStore interface {
	Registry() *codec.Registry
	Ping(context.Context) error
	Fetch(context.Context, int64) (store.Snapshot, error)
	Save(context.Context, string, json.RawMessage, string, string) (int64, error)
	MergeReceipts(context.Context, map[string]map[string]int64) (int64, error)
	Touch(context.Context, string, string) error
	Online(context.Context, time.Duration) ([]store.OnlineUser, error)
	Logs(context.Context, store.LogKind, int) ([]store.LogEntry, error)
}

type Service struct {
	cfg    config.Config
	store  sectionStore
	logger *slog.Logger
}

func New(cfg config.Config, sections sectionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 2 * time.Minute
	}
	return &Service{cfg: cfg, store: sections, logger: logger}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Sections answers a poll. A negative version is treated as "no token".
func (s *Service) Sections(ctx context.Context, since int64) (store.Snapshot, error) {
	if since < 0 {
		since = 0
	}
	snap, err := s.store.Fetch(ctx, since)
	if err != nil {
		return store.Snapshot{}, err
	}
	snapshotsTotal.WithLabelValues(snapshotKind(snap)).Inc()
	return snap, nil
}

func snapshotKind(snap store.Snapshot) string {
	switch {
	case snap.Unchanged:
		return "unchanged"
	case snap.Partial:
		return "partial"
	default:
		return "full"
	}
}

// SaveSection replaces one section wholesale. The last writer wins.
func (s *Service) SaveSection(ctx context.Context, section string, input SaveSectionInput) (int64, error) {
	if !s.store.Registry().Has(section) {
		return 0, domainError(http.StatusNotFound, "UNKNOWN_SECTION", "Unknown section", map[string]any{"section": section})
	}
	if len(input.Value) == 0 {
		return 0, domainError(http.StatusBadRequest, "INVALID_BODY", "value is required", nil)
	}
	if _, err := s.store.Registry().Encode(section, input.Value); err != nil {
		return 0, domainError(http.StatusBadRequest, "INVALID_VALUE", err.Error(), map[string]any{"section": section})
	}
	version, err := s.store.Save(ctx, section, input.Value, strings.TrimSpace(input.Author), strings.TrimSpace(input.Note))
	if err != nil {
		savesTotal.WithLabelValues(section, "error").Inc()
		return version, err
	}
	savesTotal.WithLabelValues(section, "ok").Inc()
	s.logger.Debug("section saved", "section", section, "author", input.Author, "version", version)
	return version, nil
}

func (s *Service) MergeReceipts(ctx context.Context, receipts map[string]map[string]int64) (int64, error) {
	for path := range receipts {
		if !s.store.Registry().Has(codec.ParsePath(path).Section) {
			return 0, domainError(http.StatusNotFound, "UNKNOWN_SECTION", "Unknown section", map[string]any{"section": path})
		}
	}
	return s.store.MergeReceipts(ctx, receipts)
}

func (s *Service) Presence(ctx context.Context, input PresenceInput) error {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		action = "heartbeat"
	}
	if _, ok := allowedPresenceActions[action]; !ok {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "action must be join, leave or heartbeat", map[string]any{"action": input.Action})
	}
	return s.store.Touch(ctx, name, action)
}

func (s *Service) OnlineUsers(ctx context.Context) ([]store.OnlineUser, error) {
	return s.store.Online(ctx, s.cfg.PresenceTTL)
}

func (s *Service) Logs(ctx context.Context, kind string, sinceDays int) ([]store.LogEntry, error) {
	switch store.LogKind(kind) {
	case store.AccessLog, store.ModificationLog:
	default:
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown log", map[string]any{"log": kind})
	}
	return s.store.Logs(ctx, store.LogKind(kind), sinceDays)
}
