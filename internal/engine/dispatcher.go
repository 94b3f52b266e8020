package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"teamdash/api/internal/cache"
	"teamdash/api/internal/codec"
)

// Result is the settled outcome of one save.
type Result struct {
	Section  string
	Token    Token
	OK       bool
	Err      error
	Mutation PendingMutation
}

// Save is the handle returned by every dispatcher operation. The cache has
// already been updated when the handle is returned; the handle settles when
// the backing store answers.
type Save struct {
	done   chan struct{}
	result Result
}

func newSave() *Save {
	return &Save{done: make(chan struct{})}
}

func settled(section string, err error) *Save {
	s := newSave()
	s.settle(Result{Section: section, Err: err})
	return s
}

func (s *Save) settle(r Result) {
	r.OK = r.Err == nil
	s.result = r
	close(s.done)
}

// Done is closed once the save has settled.
func (s *Save) Done() <-chan struct{} { return s.done }

// Wait blocks until the save settles or ctx is done.
func (s *Save) Wait(ctx context.Context) Result {
	select {
	case <-s.done:
		return s.result
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

type job struct {
	token Token
	path  codec.Path
	note  string
	save  *Save
}

// sectionQueue sends one section's saves one at a time in mutation order.
type sectionQueue struct {
	mu      sync.Mutex
	jobs    []job
	running bool
}

// Dispatcher applies local mutations to the cache and persists the whole
// affected section asynchronously. It implements four archetypes:
//
//   - fire-and-forget (UpdateRecord, Toggle, DeleteRecord, SetEntry)
//   - optimistic insert with rollback (Insert)
//   - message send with retry (Send, Retry)
//   - list replace (Replace)
//
// No operation returns an error synchronously for a failed save; failures
// arrive through the Save handle and the Notifier.
type Dispatcher struct {
	e *Engine

	ctx    context.Context
	wg     sync.WaitGroup
	qmu    sync.Mutex
	queues map[string]*sectionQueue

	// failed remembers failed sends so a retry can restore a record that a
	// later hydrate dropped. Guarded by e.mu.
	failed map[int64]SendMutation
}

func newDispatcher(e *Engine) *Dispatcher {
	return &Dispatcher{
		e:      e,
		ctx:    context.Background(),
		queues: make(map[string]*sectionQueue),
		failed: make(map[int64]SendMutation),
	}
}

// UpdateRecord merges patch into the record with id. Fire-and-forget.
func (d *Dispatcher) UpdateRecord(path string, id int64, patch map[string]any) *Save {
	return d.mutateRecord(codec.ParsePath(path), id, "update", func(r codec.Record) codec.Record {
		for k, v := range patch {
			if k == "id" {
				continue
			}
			r[k] = v
		}
		return r
	})
}

// Toggle flips a boolean field on the record with id. Fire-and-forget.
func (d *Dispatcher) Toggle(path string, id int64, field string) *Save {
	return d.mutateRecord(codec.ParsePath(path), id, "toggle "+field, func(r codec.Record) codec.Record {
		current, _ := r[field].(bool)
		r[field] = !current
		return r
	})
}

// DeleteRecord removes the record with id. Fire-and-forget.
func (d *Dispatcher) DeleteRecord(path string, id int64) *Save {
	return d.mutateRecord(codec.ParsePath(path), id, "delete", nil)
}

func (d *Dispatcher) mutateRecord(p codec.Path, id int64, note string, apply func(codec.Record) codec.Record) *Save {
	e := d.e
	e.mu.Lock()
	records, err := e.recordsLocked(p)
	if err != nil {
		e.mu.Unlock()
		return settled(p.Section, err)
	}
	i := codec.IndexOf(records, id)
	if i < 0 {
		e.mu.Unlock()
		return settled(p.Section, fmt.Errorf("%w: %d in %s", ErrRecordNotFound, id, p))
	}
	if apply == nil {
		records = append(records[:i], records[i+1:]...)
	} else {
		records[i] = apply(records[i].Clone())
	}
	if err := e.putRecordsLocked(p, records); err != nil {
		e.mu.Unlock()
		return settled(p.Section, err)
	}
	save := d.beginLocked(ToggleMutation{Path: p, ID: id}, note)
	e.mu.Unlock()
	return save
}

// SetEntry upserts one key of a map-shaped section. Fire-and-forget.
func (d *Dispatcher) SetEntry(section, key string, value json.RawMessage) *Save {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	shape, err := e.registry.Shape(section)
	if err != nil {
		return settled(section, err)
	}
	if shape != codec.ShapeMap {
		return settled(section, fmt.Errorf("%s is not a map section", section))
	}
	if !json.Valid(value) {
		return settled(section, fmt.Errorf("entry %s/%s: invalid JSON", section, key))
	}
	previous, err := e.cache.Get(section)
	if err != nil {
		return settled(section, err)
	}
	entries, err := codec.DecodeEntries(previous)
	if err != nil {
		return settled(section, err)
	}
	entries[key] = value
	updated, err := codec.EncodeEntries(entries)
	if err != nil {
		return settled(section, err)
	}
	if err := e.cache.Set(section, updated); err != nil {
		return settled(section, err)
	}
	return d.beginLocked(ReplaceMutation{Path: codec.Path{Section: section}, Previous: previous}, "set "+key)
}

// Replace swaps a whole section. Fire-and-forget; the previous value is
// returned in Result.Mutation for undo.
func (d *Dispatcher) Replace(section string, value json.RawMessage) *Save {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registry.Encode(section, value); err != nil {
		return settled(section, err)
	}
	previous, err := e.cache.Get(section)
	if err != nil {
		return settled(section, err)
	}
	if err := e.cache.Set(section, value); err != nil {
		return settled(section, err)
	}
	return d.beginLocked(ReplaceMutation{Path: codec.Path{Section: section}, Previous: previous}, "replace")
}

// Insert appends a new record optimistically. A zero id is assigned from the
// engine's id generator. If the save fails the record is removed again.
func (d *Dispatcher) Insert(path string, record codec.Record) (int64, *Save) {
	p := codec.ParsePath(path)
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := d.prepareLocked(p, record)
	if err != nil {
		return 0, settled(p.Section, err)
	}
	id := record.ID()
	return id, d.beginLocked(InsertMutation{Path: p, ID: id}, "insert")
}

// Send appends a chat message in state Sending. If the save fails the
// message stays, marked Failed, until Retry succeeds.
func (d *Dispatcher) Send(path string, record codec.Record) (int64, *Save) {
	p := codec.ParsePath(path)
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := d.prepareLocked(p, record)
	if err != nil {
		return 0, settled(p.Section, err)
	}
	id := record.ID()
	return id, d.beginLocked(SendMutation{Path: p, ID: id, Record: record.Clone()}, "send")
}

// Retry re-sends a failed message. The whole current section is replayed;
// the record is put back by id if it went missing, never duplicated.
func (d *Dispatcher) Retry(path string, id int64) *Save {
	p := codec.ParsePath(path)
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := d.failed[id]
	if !ok || m.Path != p {
		return settled(p.Section, fmt.Errorf("%w: %d", ErrNothingToRetry, id))
	}
	records, err := e.recordsLocked(p)
	if err != nil {
		return settled(p.Section, err)
	}
	if codec.IndexOf(records, id) < 0 {
		records = append(records, m.Record.Clone())
		if err := e.putRecordsLocked(p, records); err != nil {
			return settled(p.Section, err)
		}
	}
	delete(d.failed, id)
	return d.beginLocked(m, "retry")
}

func (d *Dispatcher) prepareLocked(p codec.Path, record codec.Record) (codec.Record, error) {
	e := d.e
	record = record.Clone()
	generated := record.ID() == 0
	if generated {
		record["id"] = e.ids.Next()
	}
	if record.Author() == "" && e.cfg.User != "" {
		record["author"] = e.cfg.User
	}
	records, err := e.recordsLocked(p)
	if err != nil {
		return nil, err
	}
	if codec.IndexOf(records, record.ID()) >= 0 {
		if !generated {
			return nil, fmt.Errorf("record %d already in %s", record.ID(), p)
		}
		e.ids.Observe(codec.MaxID(records))
		record["id"] = e.ids.Next()
	}
	records = append(records, record)
	if err := e.putRecordsLocked(p, records); err != nil {
		return nil, err
	}
	return record, nil
}

// beginLocked opens the save in the coordinator and queues it for sending.
func (d *Dispatcher) beginLocked(m PendingMutation, note string) *Save {
	token := d.e.coord.BeginSave(m)
	pendingSaves.Set(float64(d.e.coord.Pending()))
	save := newSave()
	d.enqueue(job{token: token, path: m.Target(), note: note, save: save})
	return save
}

func (d *Dispatcher) enqueue(j job) {
	d.qmu.Lock()
	q, ok := d.queues[j.path.Section]
	if !ok {
		q = &sectionQueue{}
		d.queues[j.path.Section] = q
	}
	d.qmu.Unlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		d.wg.Add(1)
		go d.drain(q)
	}
}

func (d *Dispatcher) drain(q *sectionQueue) {
	defer d.wg.Done()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		d.finish(j, d.send(j))
	}
}

// send encodes the section as it is now and hands it to the transport.
func (d *Dispatcher) send(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save %s panicked: %v", j.path.Section, r)
		}
	}()

	e := d.e
	e.mu.Lock()
	value, err := e.cache.Get(j.path.Section)
	var encoded string
	if err == nil {
		encoded, err = e.registry.Encode(j.path.Section, value)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.transport.PutSection(d.ctx, j.path.Section, json.RawMessage(encoded), e.cfg.User, j.note)
}

// finish settles the save and applies the archetype's recovery on failure.
func (d *Dispatcher) finish(j job, saveErr error) {
	e := d.e
	e.mu.Lock()
	m, ok := e.coord.EndSave(j.token, saveErr)
	pendingSaves.Set(float64(e.coord.Pending()))
	if ok && saveErr != nil {
		switch mut := m.(type) {
		case InsertMutation:
			d.removeLocked(mut.Path, mut.ID)
		case SendMutation:
			d.failed[mut.ID] = mut
		}
	}
	e.mu.Unlock()

	outcome := "ok"
	if saveErr != nil {
		outcome = "failed"
		e.logger.Warn("section save failed", "section", j.path.Section, "note", j.note, "error", saveErr)
		e.notify.Error(j.path.Section, saveErr)
	}
	savesTotal.WithLabelValues(j.path.Section, outcome).Inc()
	j.save.settle(Result{Section: j.path.Section, Token: j.token, Err: saveErr, Mutation: m})
}

func (d *Dispatcher) removeLocked(p codec.Path, id int64) {
	e := d.e
	records, err := e.recordsLocked(p)
	if err != nil {
		return
	}
	i := codec.IndexOf(records, id)
	if i < 0 {
		return
	}
	records = append(records[:i], records[i+1:]...)
	if err := e.putRecordsLocked(p, records); err != nil {
		e.logger.Error("rollback failed", "section", p.Section, "id", id, "error", err)
	}
	e.cache.SetState(id, cache.Confirmed)
}

// Failed lists the ids of sends awaiting a retry.
func (d *Dispatcher) Failed() []int64 {
	d.e.mu.Lock()
	defer d.e.mu.Unlock()
	out := make([]int64, 0, len(d.failed))
	for id := range d.failed {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) wait() {
	d.wg.Wait()
}
