package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Preference names accepted by the remote service.
const (
	PrefAwayMode        = "leak_sensitivity_away_mode"
	PrefSchedulerEnable = "scheduler_enable"
)

var allowedPreferences = map[string]struct{}{
	PrefAwayMode:        {},
	PrefSchedulerEnable: {},
}

// preferenceAliases maps the attribute names consumers see onto the
// preference names the remote service uses.
var preferenceAliases = map[string]string{
	AttrAwayMode:          PrefAwayMode,
	AttrScheduledLeakTest: PrefSchedulerEnable,
}

// PreferenceEntry is one boolean device preference.
type PreferenceEntry struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// PreferenceWriter sends preference changes to the device.
type PreferenceWriter interface {
	SetPreferences(ctx context.Context, deviceID string, prefs []PreferenceEntry) error
}

// CanonicalPreference returns the remote name for a preference. Both the
// remote names and the attribute names (away_mode,
// scheduled_leak_test_enabled) are accepted.
//
// Returns:
//   - error: ErrValidation for names outside the allowed set
func CanonicalPreference(name string) (string, error) {
	if wire, ok := preferenceAliases[name]; ok {
		return wire, nil
	}
	if _, ok := allowedPreferences[name]; !ok {
		return "", fmt.Errorf("%w: unknown preference %q", ErrValidation, name)
	}
	return name, nil
}

// ParsePreferenceValue parses the wire form of a preference value. Only
// "true" and "false" (any case) are accepted.
func ParsePreferenceValue(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: preference value %q is not a boolean", ErrValidation, raw)
}

// FormatPreferenceValue returns the wire form of a preference value.
func FormatPreferenceValue(v bool) string {
	return strconv.FormatBool(v)
}

// PreferenceCache holds a device's boolean preferences.
//
// Writes are confirmed before they are committed: Set only changes the
// cached value after the remote service acknowledged it, and a failed write
// leaves the previous value in place. Poll results overwrite the cache.
//
// Thread Safety:
//   - Reads never wait for a write in flight.
//   - Writes for the same device are serialised.
type PreferenceCache struct {
	deviceID string
	writer   PreferenceWriter

	writeMu sync.Mutex

	mu     sync.RWMutex
	values map[string]bool
}

// NewPreferenceCache creates an empty cache.
func NewPreferenceCache(deviceID string, writer PreferenceWriter) *PreferenceCache {
	return &PreferenceCache{
		deviceID: deviceID,
		writer:   writer,
		values:   make(map[string]bool),
	}
}

// Get returns the cached value. The second result is false when the
// preference has never been seen or the name is not a preference.
func (c *PreferenceCache) Get(name string) (bool, bool) {
	wire, err := CanonicalPreference(name)
	if err != nil {
		return false, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[wire]
	return v, ok
}

// Set writes a preference to the device and caches it once acknowledged.
//
// Returns:
//   - ErrValidation if name is not an allowed preference
//   - ErrRemoteWrite if the remote write fails; the cache is unchanged
func (c *PreferenceCache) Set(ctx context.Context, name string, value bool) error {
	name, err := CanonicalPreference(name)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	entry := PreferenceEntry{Name: name, Value: value}
	if err := c.writer.SetPreferences(ctx, c.deviceID, []PreferenceEntry{entry}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemoteWrite, name, err)
	}

	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
	return nil
}

// RefreshFromPoll overwrites cached values with the authoritative poll
// result. Entries with names outside the allowed set are ignored.
func (c *PreferenceCache) RefreshFromPoll(entries []PreferenceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if _, ok := allowedPreferences[e.Name]; ok {
			c.values[e.Name] = e.Value
		}
	}
}

// Snapshot returns a copy of all cached preferences.
func (c *PreferenceCache) Snapshot() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
