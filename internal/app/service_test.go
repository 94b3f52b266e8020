package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"teamdash/api/internal/codec"
	"teamdash/api/internal/config"
	"teamdash/api/internal/store"
)

type fakeStore struct {
	registry        *codec.Registry
	pingFn          func(context.Context) error
	fetchFn         func(context.Context, int64) (store.Snapshot, error)
	saveFn          func(context.Context, string, json.RawMessage, string, string) (int64, error)
	mergeReceiptsFn func(context.Context, map[string]map[string]int64) (int64, error)
	touchFn         func(context.Context, string, string) error
	onlineFn        func(context.Context, time.Duration) ([]store.OnlineUser, error)
	logsFn          func(context.Context, store.LogKind, int) ([]store.LogEntry, error)
}

func (f *fakeStore) Registry() *codec.Registry {
	if f.registry == nil {
		f.registry = codec.DefaultSections()
	}
	return f.registry
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) Fetch(ctx context.Context, since int64) (store.Snapshot, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, since)
	}
	return store.Snapshot{Sections: map[string]json.RawMessage{}}, nil
}
func (f *fakeStore) Save(ctx context.Context, section string, value json.RawMessage, author, note string) (int64, error) {
	if f.saveFn != nil {
		return f.saveFn(ctx, section, value, author, note)
	}
	return 1, nil
}
func (f *fakeStore) MergeReceipts(ctx context.Context, receipts map[string]map[string]int64) (int64, error) {
	if f.mergeReceiptsFn != nil {
		return f.mergeReceiptsFn(ctx, receipts)
	}
	return 1, nil
}
func (f *fakeStore) Touch(ctx context.Context, name, action string) error {
	if f.touchFn != nil {
		return f.touchFn(ctx, name, action)
	}
	return nil
}
func (f *fakeStore) Online(ctx context.Context, ttl time.Duration) ([]store.OnlineUser, error) {
	if f.onlineFn != nil {
		return f.onlineFn(ctx, ttl)
	}
	return []store.OnlineUser{}, nil
}
func (f *fakeStore) Logs(ctx context.Context, kind store.LogKind, sinceDays int) ([]store.LogEntry, error) {
	if f.logsFn != nil {
		return f.logsFn(ctx, kind, sinceDays)
	}
	return []store.LogEntry{}, nil
}

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{PresenceTTL: time.Minute}, fs, nil)
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestSaveSectionValidatesBeforeWriting(t *testing.T) {
	saved := false
	svc := newTestService(&fakeStore{
		saveFn: func(context.Context, string, json.RawMessage, string, string) (int64, error) {
			saved = true
			return 1, nil
		},
	})
	ctx := context.Background()

	_, err := svc.SaveSection(ctx, "nope", SaveSectionInput{Value: json.RawMessage(`[]`)})
	assertDomainError(t, err, http.StatusNotFound, "UNKNOWN_SECTION")

	_, err = svc.SaveSection(ctx, "todos", SaveSectionInput{Value: json.RawMessage(`{"a":1}`)})
	assertDomainError(t, err, http.StatusBadRequest, "INVALID_VALUE")

	_, err = svc.SaveSection(ctx, "todos", SaveSectionInput{})
	assertDomainError(t, err, http.StatusBadRequest, "INVALID_BODY")

	if saved {
		t.Fatal("invalid input must not reach the store")
	}
}

func TestSaveSectionPassesAuthorAndNote(t *testing.T) {
	var gotSection, gotAuthor, gotNote string
	svc := newTestService(&fakeStore{
		saveFn: func(_ context.Context, section string, _ json.RawMessage, author, note string) (int64, error) {
			gotSection, gotAuthor, gotNote = section, author, note
			return 42, nil
		},
	})

	version, err := svc.SaveSection(context.Background(), "todos", SaveSectionInput{
		Value:  json.RawMessage(`[{"id":1}]`),
		Author: "  alice ",
		Note:   "insert",
	})
	if err != nil {
		t.Fatalf("SaveSection() error = %v", err)
	}
	if version != 42 || gotSection != "todos" || gotAuthor != "alice" || gotNote != "insert" {
		t.Fatalf("unexpected save: version=%d section=%q author=%q note=%q", version, gotSection, gotAuthor, gotNote)
	}
}

func TestSectionsClampsNegativeVersion(t *testing.T) {
	var gotSince int64 = -1
	svc := newTestService(&fakeStore{
		fetchFn: func(_ context.Context, since int64) (store.Snapshot, error) {
			gotSince = since
			return store.Snapshot{Version: 3}, nil
		},
	})
	if _, err := svc.Sections(context.Background(), -5); err != nil {
		t.Fatalf("Sections() error = %v", err)
	}
	if gotSince != 0 {
		t.Fatalf("expected since=0, got %d", gotSince)
	}
}

func TestPresenceValidation(t *testing.T) {
	var gotAction string
	svc := newTestService(&fakeStore{
		touchFn: func(_ context.Context, _ string, action string) error {
			gotAction = action
			return nil
		},
	})
	ctx := context.Background()

	assertDomainError(t, svc.Presence(ctx, PresenceInput{Action: "join"}), http.StatusBadRequest, "VALIDATION_ERROR")
	assertDomainError(t, svc.Presence(ctx, PresenceInput{Name: "alice", Action: "dance"}), http.StatusBadRequest, "VALIDATION_ERROR")

	if err := svc.Presence(ctx, PresenceInput{Name: "alice"}); err != nil {
		t.Fatalf("Presence() error = %v", err)
	}
	if gotAction != "heartbeat" {
		t.Fatalf("expected default action heartbeat, got %q", gotAction)
	}
}

func TestOnlineUsersUsesConfiguredTTL(t *testing.T) {
	var gotTTL time.Duration
	svc := newTestService(&fakeStore{
		onlineFn: func(_ context.Context, ttl time.Duration) ([]store.OnlineUser, error) {
			gotTTL = ttl
			return nil, nil
		},
	})
	if _, err := svc.OnlineUsers(context.Background()); err != nil {
		t.Fatalf("OnlineUsers() error = %v", err)
	}
	if gotTTL != time.Minute {
		t.Fatalf("expected ttl 1m, got %s", gotTTL)
	}
}

func TestMergeReceiptsRejectsUnknownSection(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.MergeReceipts(context.Background(), map[string]map[string]int64{"nope/x": {"alice": 1}})
	assertDomainError(t, err, http.StatusNotFound, "UNKNOWN_SECTION")

	if _, err := svc.MergeReceipts(context.Background(), map[string]map[string]int64{"teamChat/alpha": {"alice": 1}}); err != nil {
		t.Fatalf("MergeReceipts() error = %v", err)
	}
}

func TestLogsRejectsUnknownKind(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.Logs(context.Background(), "audit", 0)
	assertDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", domainError(http.StatusConflict, "CONFLICT", "Conflict", nil), http.StatusConflict, "CONFLICT"},
		{"unknown section", codec.ErrUnknownSection, http.StatusNotFound, "UNKNOWN_SECTION"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}
