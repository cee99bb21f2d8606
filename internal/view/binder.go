// Package view binds device views to their data sources. A watch
// session pairs a REST fetch of the device record with a live
// telemetry subscription, and the binder re-issues every subscription
// when the broker connection comes back, so views stay live across
// reconnects without tracking connection state themselves.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fernbed/drip/internal/broker"
	"github.com/fernbed/drip/internal/devstate"
	"github.com/fernbed/drip/internal/events"
)

// resubscribeTimeout bounds the broker round trips made from the
// status observer after a reconnect.
const resubscribeTimeout = 10 * time.Second

// DeviceFetcher is the single API call the binder needs. Satisfied by
// the platform API client.
type DeviceFetcher interface {
	FetchDevice(ctx context.Context, id int64) (devstate.Device, error)
}

// Conn is the slice of the broker connection the binder uses.
// Satisfied by *broker.Conn.
type Conn interface {
	Status() broker.Status
	OnStatusChange(fn func(broker.Status)) (cancel func())
	Subscribe(ctx context.Context, topic string, handler broker.MessageHandler) *broker.Subscription
}

// watchSession is one device under observation: its current
// subscription handle plus enough to re-create it after a reconnect.
type watchSession struct {
	deviceID int64
	sub      *broker.Subscription
}

// Binder owns the set of watched devices. All methods are safe for
// concurrent use.
type Binder struct {
	fetcher DeviceFetcher
	conn    Conn
	store   *devstate.Store
	bus     *events.Bus
	logger  *slog.Logger

	mu        sync.Mutex
	sessions  map[int64]*watchSession
	cancelObs func()
}

// NewBinder creates a binder. Call Start to begin tracking connection
// status. The bus may be nil.
func NewBinder(fetcher DeviceFetcher, conn Conn, store *devstate.Store, bus *events.Bus, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		fetcher:  fetcher,
		conn:     conn,
		store:    store,
		bus:      bus,
		logger:   logger,
		sessions: make(map[int64]*watchSession),
	}
}

// Start registers the connection observer. Idempotent.
func (b *Binder) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelObs != nil {
		return
	}
	b.cancelObs = b.conn.OnStatusChange(func(st broker.Status) {
		if st == broker.StatusConnected {
			b.resubscribeAll()
		}
	})
}

// Stop removes the connection observer and disposes every session.
func (b *Binder) Stop() {
	b.mu.Lock()
	cancel := b.cancelObs
	b.cancelObs = nil
	sessions := b.sessions
	b.sessions = make(map[int64]*watchSession)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range sessions {
		s.sub.Dispose()
	}
}

// Watch begins observing a device: the record is fetched and stored,
// then a telemetry subscription is opened. Watching an already-watched
// device refreshes the record and replaces the subscription.
//
// If the broker is down the subscription half is a no-op; the binder
// re-issues it when the connection comes back. A fetch failure aborts
// the watch entirely so the store never renders a device that was
// never fetched.
func (b *Binder) Watch(ctx context.Context, deviceID int64) error {
	dev, err := b.fetcher.FetchDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("fetch device %d: %w", deviceID, err)
	}
	b.store.Replace(dev)

	sub := b.subscribe(ctx, deviceID)

	b.mu.Lock()
	prev := b.sessions[deviceID]
	b.sessions[deviceID] = &watchSession{deviceID: deviceID, sub: sub}
	b.mu.Unlock()

	if prev != nil {
		prev.sub.Dispose()
	} else {
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceView,
			Kind:      events.KindWatchStarted,
			Data:      map[string]any{"device_id": deviceID},
		})
	}
	b.logger.Debug("watching device", "device_id", deviceID)
	return nil
}

// Unwatch stops observing a device. Unknown IDs are a no-op.
func (b *Binder) Unwatch(deviceID int64) {
	b.mu.Lock()
	s := b.sessions[deviceID]
	delete(b.sessions, deviceID)
	b.mu.Unlock()

	if s == nil {
		return
	}
	s.sub.Dispose()
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceView,
		Kind:      events.KindWatchStopped,
		Data:      map[string]any{"device_id": deviceID},
	})
	b.logger.Debug("stopped watching device", "device_id", deviceID)
}

// Refresh re-fetches a watched device's record. The subscription is
// left alone.
func (b *Binder) Refresh(ctx context.Context, deviceID int64) error {
	dev, err := b.fetcher.FetchDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("refresh device %d: %w", deviceID, err)
	}
	b.store.Replace(dev)
	return nil
}

// Watched reports whether a device currently has a watch session.
func (b *Binder) Watched(deviceID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[deviceID]
	return ok
}

// subscribe opens the telemetry subscription for a device. The handler
// parses and merges deltas; anything unparseable is dropped.
func (b *Binder) subscribe(ctx context.Context, deviceID int64) *broker.Subscription {
	return b.conn.Subscribe(ctx, broker.DeviceTopic(deviceID), func(topic string, payload []byte) {
		delta, err := devstate.ParseTelemetry(payload)
		if err != nil {
			b.logger.Debug("telemetry dropped", "topic", topic, "error", err)
			return
		}
		b.store.ApplyTelemetry(deviceID, delta)
	})
}

// resubscribeAll re-issues the subscription for every session. Runs on
// the goroutine that drove the connected transition; subscriptions
// issued while the previous connection was up are dead by now, so
// every session needs a fresh handle.
func (b *Binder) resubscribeAll() {
	b.mu.Lock()
	ids := make([]int64, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	b.logger.Info("re-subscribing watched devices", "count", len(ids))

	ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
	defer cancel()

	for _, id := range ids {
		sub := b.subscribe(ctx, id)
		b.mu.Lock()
		s := b.sessions[id]
		if s != nil {
			s.sub = sub
		}
		b.mu.Unlock()
		if s == nil {
			// Unwatched while we were re-subscribing.
			sub.Dispose()
		}
	}
}
