package mqtt

import "fmt"

// TopicPrefix is the root of every topic the bridge publishes locally.
const TopicPrefix = "phyn"

// Topics provides builders for the bridge's local MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("abc123")
//	// Returns: "phyn/device/abc123/state"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceState returns the retained JSON state topic for a device.
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefix, deviceID)
}

// DeviceAttribute returns the retained single-attribute topic for a device.
//
// Example: phyn/device/abc123/attribute/flow_rate
func (Topics) DeviceAttribute(deviceID, attribute string) string {
	return fmt.Sprintf("%s/device/%s/attribute/%s", TopicPrefix, deviceID, attribute)
}

// DeviceAvailability returns the topic carrying "online"/"offline" for a
// device, derived from its last refresh outcome.
func (Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/availability", TopicPrefix, deviceID)
}

// AllDeviceStates matches every device state topic.
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/device/+/state"
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the bridge status topic (LWT and online status).
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SystemSweep returns the topic carrying each sweep report.
func (Topics) SystemSweep() string {
	return TopicPrefix + "/system/sweep"
}
