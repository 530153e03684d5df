package ordersync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/api"
	"github.com/opsdesk/console-client-go/internal/channel"
	"github.com/opsdesk/console-client-go/internal/model"
	"github.com/opsdesk/console-client-go/internal/poll"
	"github.com/opsdesk/console-client-go/internal/sessionstore"
)

// FeedOptions tune one feed. Zero durations fall back to the shared
// defaults; PollingEnabled defaults to true via NewFeed.
type FeedOptions struct {
	Grace           time.Duration
	Interval        time.Duration
	PollingDisabled bool
	PageSize        int
}

// Feed keeps the merged order collection current for one role: it
// seeds with an initial full fetch, applies push events while the
// channel is up, and flips to snapshot polling while it is down.
type Feed struct {
	client    *api.Client
	store     sessionstore.Store
	manager   *channel.Manager
	scheduler *poll.Scheduler
	rec       *Reconciler
	role      model.Role
	pageSize  int

	mu       sync.Mutex
	started  bool
	removers []func()
}

func NewFeed(client *api.Client, store sessionstore.Store, manager *channel.Manager, role model.Role, opts FeedOptions) *Feed {
	f := &Feed{
		client:   client,
		store:    store,
		manager:  manager,
		rec:      NewReconciler(),
		role:     role,
		pageSize: opts.PageSize,
	}
	f.scheduler = poll.New(f.fetchSnapshot, opts.Grace, opts.Interval)
	if opts.PollingDisabled {
		f.scheduler.SetEnabled(false)
	}
	return f
}

// Start seeds the collection with a full fetch, hooks the stream
// listeners up, and connects. A failed stream connect is not an error:
// the scheduler takes over until the channel recovers.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("feed already started")
	}
	f.started = true
	f.mu.Unlock()

	if err := f.fetchSnapshot(ctx); err != nil {
		return fmt.Errorf("seed order collection: %w", err)
	}

	removers := []func(){
		f.manager.OnEvent(channel.EventNewRecord, func(ev channel.Event) {
			if patch, ok := f.decodePatch(ev); ok {
				f.rec.ApplyNew(patch)
			}
		}),
		f.manager.OnEvent(channel.EventRecordUpdated, func(ev channel.Event) {
			if patch, ok := f.decodePatch(ev); ok {
				f.rec.ApplyUpdate(patch)
			}
		}),
		f.manager.OnEvent(channel.EventResourceUpdated, func(ev channel.Event) {
			if patch, ok := f.decodePatch(ev); ok {
				f.rec.ApplyUpdate(patch)
			}
		}),
		f.manager.OnConnectionChange(func(connected bool) {
			if connected {
				f.scheduler.Deactivate()
			} else {
				f.scheduler.Activate()
			}
		}),
	}

	f.mu.Lock()
	f.removers = removers
	f.mu.Unlock()

	session, err := f.store.Get(ctx, f.role)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("no session held for role %q", f.role)
	}

	f.manager.Subscribe(channel.TopicOrder, "")
	if err := f.manager.Connect(ctx, session.AccessToken); err != nil {
		log.Warn().Err(err).Msg("stream connect failed, falling back to polling")
		f.scheduler.Activate()
	}

	return nil
}

// Stop removes this feed's listeners, clears its poll timer, and
// releases its subscription. The stream connection itself closes only
// if no other subscriber holds it.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	removers := f.removers
	f.removers = nil
	f.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	f.scheduler.Deactivate()
	f.manager.Unsubscribe(channel.TopicOrder, "")
}

// Orders returns the current merged collection, newest first.
func (f *Feed) Orders() []model.OrderRecord {
	return f.rec.Snapshot()
}

// Watch registers fn to run with a fresh snapshot after every change.
func (f *Feed) Watch(fn func(orders []model.OrderRecord)) func() {
	return f.rec.Watch(fn)
}

// Polling reports whether the snapshot loop is currently active.
func (f *Feed) Polling() bool {
	return f.scheduler.Active()
}

func (f *Feed) fetchSnapshot(ctx context.Context) error {
	page, err := f.client.ListOrders(ctx, f.role, api.ListOrdersParams{PageSize: f.pageSize})
	if err != nil {
		return err
	}
	f.rec.ApplySnapshot(page.Items)
	return nil
}

func (f *Feed) decodePatch(ev channel.Event) (model.OrderPatch, bool) {
	var patch model.OrderPatch
	if err := json.Unmarshal(ev.Data, &patch); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Msg("dropping undecodable order event")
		return model.OrderPatch{}, false
	}
	if patch.ID == "" {
		patch.ID = ev.ID
	}
	if patch.ID == "" {
		log.Warn().Str("type", ev.Type).Msg("dropping order event without an id")
		return model.OrderPatch{}, false
	}
	return patch, true
}
