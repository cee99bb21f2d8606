package devstate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fernbed/drip/internal/events"
)

// Store is the in-memory device state store. All methods are safe for
// concurrent use; racing REST and telemetry updates resolve by
// last-write-wins in arrival order, since the message contract carries
// no sequence numbers to order them any better.
type Store struct {
	mu   sync.RWMutex
	recs map[int64]*record

	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

type record struct {
	dev        Device
	receivedAt time.Time
}

// NewStore creates an empty device state store. The bus may be nil;
// change notifications are then skipped.
func NewStore(bus *events.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		recs:   make(map[int64]*record),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Replace installs a full device record, as returned by a REST detail
// fetch. All fields are overwritten; the telemetry receipt timestamp
// is preserved if the device was already known.
func (s *Store) Replace(dev Device) {
	s.mu.Lock()
	rec, ok := s.recs[dev.ID]
	if ok {
		rec.dev = dev
	} else {
		s.recs[dev.ID] = &record{dev: dev}
	}
	s.mu.Unlock()

	s.notifyUpdated(dev.ID)
}

// SyncList reconciles the store against a device list fetch. List
// entries carry identity and connectivity only, so existing telemetry
// fields are kept; new devices are created with zero telemetry, and
// devices absent from the list are removed. This is the only removal
// path; the platform has no explicit deletion event.
func (s *Store) SyncList(summaries []Summary) {
	seen := make(map[int64]struct{}, len(summaries))
	var updated, removed []int64

	s.mu.Lock()
	for _, sum := range summaries {
		seen[sum.ID] = struct{}{}
		if rec, ok := s.recs[sum.ID]; ok {
			rec.dev.Name = sum.Name
			rec.dev.Connected = sum.Connected
		} else {
			s.recs[sum.ID] = &record{dev: Device{
				ID:        sum.ID,
				Name:      sum.Name,
				Connected: sum.Connected,
			}}
		}
		updated = append(updated, sum.ID)
	}
	for id := range s.recs {
		if _, ok := seen[id]; !ok {
			delete(s.recs, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range updated {
		s.notifyUpdated(id)
	}
	for _, id := range removed {
		s.logger.Debug("device removed after list refetch", "device_id", id)
		s.bus.Publish(events.Event{
			Timestamp: s.now(),
			Source:    events.SourceStore,
			Kind:      events.KindDeviceRemoved,
			Data:      map[string]any{"device_id": id},
		})
	}
}

// ApplyTelemetry merges a telemetry delta into an existing record.
// Only fields present in the delta change; a humidity reading also
// refreshes the receipt timestamp. Deltas for unknown devices are
// dropped: telemetry cannot create a device, only a REST fetch can.
// Reports whether the delta was applied.
func (s *Store) ApplyTelemetry(deviceID int64, t Telemetry) bool {
	s.mu.Lock()
	rec, ok := s.recs[deviceID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("telemetry for unknown device dropped", "device_id", deviceID)
		return false
	}
	if t.Empty() {
		s.mu.Unlock()
		return false
	}
	if t.Humidity != nil {
		rec.dev.LastHumidity = *t.Humidity
		rec.receivedAt = s.now()
	}
	s.mu.Unlock()

	s.notifyUpdated(deviceID)
	return true
}

// Get returns an immutable snapshot of a device, or ok=false if the
// device is unknown.
func (s *Store) Get(deviceID int64) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Device: rec.dev, ReceivedAt: rec.receivedAt}, true
}

// List returns snapshots of all known devices, ordered by ID.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, Snapshot{Device: rec.dev, ReceivedAt: rec.receivedAt})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func (s *Store) notifyUpdated(deviceID int64) {
	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceStore,
		Kind:      events.KindDeviceUpdated,
		Data:      map[string]any{"device_id": deviceID},
	})
}
