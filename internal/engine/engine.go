package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"teamdash/api/internal/cache"
	"teamdash/api/internal/clock"
	"teamdash/api/internal/codec"
)

// Defaults for Config fields left zero.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultFetchTimeout    = 10 * time.Second
	DefaultBackoffCap      = 3
	DefaultReconnectAfter  = 3
	DefaultReceiptDebounce = 2 * time.Second
)

// Config holds the engine's tunables.
type Config struct {
	User            string
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	BackoffCap      int
	ReconnectAfter  int
	ReceiptDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.ReconnectAfter <= 0 {
		c.ReconnectAfter = DefaultReconnectAfter
	}
	if c.ReceiptDebounce <= 0 {
		c.ReceiptDebounce = DefaultReceiptDebounce
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNotifier sets where user-visible errors and notices go.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notify = n
		}
	}
}

// WithDurable sets the device-local durable store.
func WithDurable(d cache.Durable) Option {
	return func(e *Engine) { e.durable = d }
}

// WithRegistry replaces the default section registry.
func WithRegistry(r *codec.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// Engine is the optimistic section sync engine.
//
// All cache and coordinator state is mutated while holding mu, in the
// handler that receives a user action or an I/O result. Network calls run
// on their own goroutines and never hold mu. This gives the single-writer
// discipline of a UI event loop without one.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	registry  *codec.Registry
	cache     *cache.Cache
	coord     *Coordinator
	transport Transport
	durable   cache.Durable
	clock     clock.Clock
	ids       *clock.IDGen
	logger    *slog.Logger
	notify    Notifier

	dispatcher *Dispatcher
	poller     *Poller
	receipts   *ReadTracker
}

// New builds an engine over transport.
func New(cfg Config, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		clock:     clock.Real{},
		logger:    slog.Default(),
		notify:    nopNotifier{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = codec.DefaultSections()
	}
	if e.durable == nil {
		e.durable = cache.NewMemoryDurable()
	}
	e.registry.WithLogger(e.logger)
	e.cache = cache.New(e.registry, e.logger)
	e.coord = NewCoordinator(e.cache)
	e.ids = clock.NewIDGen(e.clock)
	e.dispatcher = newDispatcher(e)
	e.poller = newPoller(e)
	e.receipts = newReadTracker(e)
	return e
}

// Start seeds the cache from the durable snapshot. It runs synchronously and
// never touches the network, so the first render has data.
func (e *Engine) Start() error {
	e.mu.Lock()
	version, err := e.cache.Seed(e.durable, e.cfg.User, e.notify)
	if err == nil {
		e.poller.version = version
		e.observeIDsLocked(e.registry.Names())
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("seed cache: %w", err)
	}
	e.logger.Info("cache seeded", "user", e.cfg.User, "version", version)
	return nil
}

// Run drives the poll loop until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.poller.Run(ctx)
}

// Close stops pending receipt flushes after sending them.
func (e *Engine) Close(ctx context.Context) {
	e.receipts.Flush(ctx)
	e.dispatcher.wait()
}

func (e *Engine) Dispatcher() *Dispatcher    { return e.dispatcher }
func (e *Engine) Poller() *Poller            { return e.poller }
func (e *Engine) ReadTracker() *ReadTracker  { return e.receipts }
func (e *Engine) Registry() *codec.Registry  { return e.registry }
func (e *Engine) User() string               { return e.cfg.User }
func (e *Engine) NewID() int64               { return e.ids.Next() }
func (e *Engine) Transport() Transport       { return e.transport }
func (e *Engine) Durable() cache.Durable     { return e.durable }

// Section returns the current cached value of a section.
func (e *Engine) Section(section string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.cache.Get(section)
	if err != nil {
		return nil, err
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

// Records returns the records at path ("section" or "section/key").
func (e *Engine) Records(path string) ([]codec.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordsLocked(codec.ParsePath(path))
}

// State returns a record's transient send state.
func (e *Engine) State(id int64) cache.SendState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.State(id)
}

// Pending returns the number of unacknowledged saves.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coord.Pending()
}

// Hydrated reports whether a section has received real data.
func (e *Engine) Hydrated(section string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Hydrated(section)
}

// observeIDsLocked moves the id generator past every record id held in the
// named sections, so ids created here never collide with ones already seen.
func (e *Engine) observeIDsLocked(sections []string) {
	for _, section := range sections {
		shape, err := e.registry.Shape(section)
		if err != nil {
			continue
		}
		value, err := e.cache.Get(section)
		if err != nil {
			continue
		}
		e.ids.Observe(codec.SectionMaxID(shape, value))
	}
}

func (e *Engine) recordsLocked(p codec.Path) ([]codec.Record, error) {
	shape, err := e.registry.Shape(p.Section)
	if err != nil {
		return nil, err
	}
	value, err := e.cache.Get(p.Section)
	if err != nil {
		return nil, err
	}
	return codec.RecordsAt(shape, value, p.Key)
}

func (e *Engine) putRecordsLocked(p codec.Path, records []codec.Record) error {
	shape, err := e.registry.Shape(p.Section)
	if err != nil {
		return err
	}
	value, err := e.cache.Get(p.Section)
	if err != nil {
		return err
	}
	updated, err := codec.WithRecordsAt(shape, value, p.Key, records)
	if err != nil {
		return err
	}
	return e.cache.Set(p.Section, updated)
}
