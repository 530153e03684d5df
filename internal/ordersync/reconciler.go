// Package ordersync produces the single canonical order collection the
// UI observes, merged from two partially-overlapping sources: push
// events from the stream and full snapshots from the poll loop. The
// merge is field-wise and never regresses known detail, which keeps the
// outcome order-independent when the two sources race.
package ordersync

import (
	"sort"
	"sync"

	"github.com/opsdesk/console-client-go/internal/model"
)

type watcher struct {
	id int
	fn func([]model.OrderRecord)
}

// Reconciler holds the merged collection. All mutations notify the
// registered watchers with a fresh snapshot.
type Reconciler struct {
	mu       sync.Mutex
	records  map[string]*model.OrderRecord
	watchers []watcher
	nextID   int
}

func NewReconciler() *Reconciler {
	return &Reconciler{records: make(map[string]*model.OrderRecord)}
}

// ApplyNew handles a new-record push event: insert when the id is
// unknown, ignore otherwise (a duplicate or out-of-order artifact).
func (r *Reconciler) ApplyNew(patch model.OrderPatch) {
	if patch.ID == "" {
		return
	}

	r.mu.Lock()
	if _, exists := r.records[patch.ID]; exists {
		r.mu.Unlock()
		return
	}
	record := patch.Record()
	r.records[patch.ID] = &record
	r.mu.Unlock()

	r.notify()
}

// ApplyUpdate handles a record-updated push event: overwrite only the
// fields the patch carries, retain everything else. An update for an
// unknown id inserts a partial record.
func (r *Reconciler) ApplyUpdate(patch model.OrderPatch) {
	if patch.ID == "" {
		return
	}

	r.mu.Lock()
	if existing, ok := r.records[patch.ID]; ok {
		existing.Apply(patch)
	} else {
		record := patch.Record()
		r.records[patch.ID] = &record
	}
	r.mu.Unlock()

	r.notify()
}

// ApplySnapshot merges a poll snapshot: per row, snapshot values win
// for the fields the row carries and local values are retained for the
// rest; unknown ids insert as-is. Rows absent from the snapshot do not
// remove local records.
func (r *Reconciler) ApplySnapshot(rows []model.OrderPatch) {
	r.mu.Lock()
	changed := false
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		if existing, ok := r.records[row.ID]; ok {
			existing.Apply(row)
		} else {
			record := row.Record()
			r.records[row.ID] = &record
		}
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// Get returns a copy of one record.
func (r *Reconciler) Get(id string) (model.OrderRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return model.OrderRecord{}, false
	}
	return record.Clone(), true
}

// Snapshot returns a defensive copy of the collection, newest first
// with id as the tiebreak.
func (r *Reconciler) Snapshot() []model.OrderRecord {
	r.mu.Lock()
	out := r.snapshotLocked()
	r.mu.Unlock()
	return out
}

// Watch registers fn to run with a fresh snapshot after every change.
// The returned func removes the watcher.
func (r *Reconciler) Watch(fn func(orders []model.OrderRecord)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers = append(r.watchers, watcher{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.watchers {
			if w.id == id {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				return
			}
		}
	}
}

func (r *Reconciler) snapshotLocked() []model.OrderRecord {
	out := make([]model.OrderRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	if len(r.watchers) == 0 {
		r.mu.Unlock()
		return
	}
	snapshot := r.snapshotLocked()
	fns := make([]func([]model.OrderRecord), 0, len(r.watchers))
	for _, w := range r.watchers {
		fns = append(fns, w.fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
