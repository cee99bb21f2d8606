// Package devstate holds the last-known client-side view of each
// registered irrigation device and merges asynchronously arriving
// telemetry into it. REST fetches replace records wholesale; telemetry
// deltas touch only the fields they carry. Telemetry for a device that
// has never been fetched is dropped; only a REST response can create
// a record, so the UI never renders a partially-known device.
package devstate

import (
	"encoding/json"
	"time"
)

// Device is the client-side projection of a device as returned by the
// platform's detail endpoint.
type Device struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Connected    bool      `json:"connected"`
	LastSeen     time.Time `json:"lastSeen"`
	LastHumidity float64   `json:"lastHumidity"`
}

// Summary is the reduced projection returned by the device list
// endpoint. It carries identity and connectivity only; telemetry
// fields are unknown at list time.
type Summary struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Snapshot is an immutable copy of a device record as held by the
// store. ReceivedAt is when the most recent telemetry delta arrived,
// tracked separately from the device-reported LastSeen.
type Snapshot struct {
	Device
	ReceivedAt time.Time `json:"receivedAt,omitzero"`
}

// Telemetry is a partial update received on a device topic. Every
// field is optional. Sensors attach extra diagnostic fields to their
// reports; anything beyond the moisture reading is ignored here, and
// must never make the payload unparseable.
type Telemetry struct {
	Humidity *float64 `json:"humidity"`
}

// ParseTelemetry decodes a telemetry payload. Payloads that are not
// valid JSON return an error and must be skipped by the caller;
// payloads that parse but carry none of the known fields decode to a
// zero Telemetry and have no merge effect.
func ParseTelemetry(payload []byte) (Telemetry, error) {
	var t Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return Telemetry{}, err
	}
	return t, nil
}

// Empty reports whether the delta carries no fields at all.
func (t Telemetry) Empty() bool {
	return t.Humidity == nil
}
