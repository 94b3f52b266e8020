package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// Snapshot is a versioned fetch reply from the backing store.
type Snapshot struct {
	Sections  map[string]json.RawMessage `json:"sections"`
	Version   int64                      `json:"version"`
	Partial   bool                       `json:"partial"`
	Unchanged bool                       `json:"unchanged"`
}

// Transport is the engine's view of the backing store.
type Transport interface {
	FetchSnapshot(ctx context.Context, since int64) (Snapshot, error)
	PutSection(ctx context.Context, section string, value json.RawMessage, author, note string) error
	PutReadReceipts(ctx context.Context, receipts map[string]map[string]int64) error
	Presence(ctx context.Context, name, action string) error
}

// Notifier surfaces user-visible outcomes. Implementations must not block.
type Notifier interface {
	Error(section string, err error)
	Notice(message string)
}

type nopNotifier struct{}

func (nopNotifier) Error(string, error) {}
func (nopNotifier) Notice(string)       {}

var (
	// ErrRecordNotFound is returned when a mutation names a record id that is
	// not in the section.
	ErrRecordNotFound = errors.New("record not found")

	// ErrNothingToRetry is returned by Retry for a record that has not failed.
	ErrNothingToRetry = errors.New("record has no failed send")
)
