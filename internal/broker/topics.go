package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fernbed/drip/internal/events"
)

// Topic layout is a backend contract: one telemetry topic per device,
// one shared inbound destination for user commands.
const (
	deviceTopicPrefix = "device/"
	userCommandTopic  = "app/user"
)

// Command discriminators understood by the platform.
const (
	CommandWaterNow = 1
)

// DeviceTopic returns the telemetry topic for a device.
func DeviceTopic(deviceID int64) string {
	return deviceTopicPrefix + strconv.FormatInt(deviceID, 10)
}

// DeviceIDFromTopic extracts the device ID from a telemetry topic.
// Returns ok=false for topics outside the device namespace.
func DeviceIDFromTopic(topic string) (int64, bool) {
	if len(topic) <= len(deviceTopicPrefix) || topic[:len(deviceTopicPrefix)] != deviceTopicPrefix {
		return 0, false
	}
	id, err := strconv.ParseInt(topic[len(deviceTopicPrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// commandEnvelope is the outbound command payload. The platform keys
// execution off the discriminator and target device.
type commandEnvelope struct {
	Command  int   `json:"command"`
	DeviceID int64 `json:"deviceId"`
}

// WaterNow publishes a water-now command for a device. Fire-and-forget
// like every publish: if the broker is down the command is dropped and
// the caller sees that only through the connection status.
func (c *Conn) WaterNow(ctx context.Context, deviceID int64) {
	payload, err := json.Marshal(commandEnvelope{
		Command:  CommandWaterNow,
		DeviceID: deviceID,
	})
	if err != nil {
		c.logger.Error("marshal water-now command", "device_id", deviceID, "error", err)
		return
	}

	c.Publish(ctx, userCommandTopic, payload)
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBroker,
		Kind:      events.KindCommandSent,
		Data:      map[string]any{"device_id": deviceID, "command": CommandWaterNow},
	})
}
