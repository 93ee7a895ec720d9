package device

import (
	"context"
	"time"
)

// PollClient is the request/response side of the device API. Every call is
// independent and may fail on its own.
//
// Implementations must return promptly once ctx is done. Refresh timeouts
// and fleet teardown are enforced only through ctx, so a call that ignores
// it holds up the device's refresh and with it the whole sweep.
type PollClient interface {
	PreferenceWriter

	// GetState returns the device record.
	GetState(ctx context.Context, deviceID string) (Fields, error)

	// GetConsumption returns consumption details for a duration such as
	// "2026/10/17" (one day).
	GetConsumption(ctx context.Context, deviceID, duration string) (Fields, error)

	// GetPreferences returns the device's preference entries.
	GetPreferences(ctx context.Context, deviceID string) ([]PreferenceEntry, error)

	// GetLatestFirmware returns the newest firmware published for the device.
	GetLatestFirmware(ctx context.Context, deviceID string) (FirmwareInfo, error)

	// GetWaterStatistics returns statistics entries recorded in [from, to].
	GetWaterStatistics(ctx context.Context, deviceID string, from, to time.Time) ([]Fields, error)

	OpenValve(ctx context.Context, deviceID string) error
	CloseValve(ctx context.Context, deviceID string) error
}

// PushHandler receives one decoded push message.
type PushHandler func(deviceID string, fields Fields)

// PushClient is the unsolicited message side of the device API. Delivery is
// at-least-once and unordered relative to poll results.
type PushClient interface {
	// OnMessage sets the handler for all subscribed devices.
	OnMessage(handler PushHandler)

	// Subscribe starts delivery for one device.
	Subscribe(deviceID string) error

	// Unsubscribe stops delivery for one device.
	Unsubscribe(deviceID string) error
}

// FirmwareInfo describes the latest firmware available for a device.
type FirmwareInfo struct {
	Version      string `json:"fw_version"`
	ReleaseNotes string `json:"release_notes,omitempty"`
}

// Home is one entry of the fleet enumeration.
type Home struct {
	ID      string       `json:"id"`
	Name    string       `json:"alias_name,omitempty"`
	Devices []HomeDevice `json:"devices"`
}

// HomeDevice is a device listed under a home.
type HomeDevice struct {
	DeviceID    string `json:"device_id"`
	ProductCode string `json:"product_code"`
}
