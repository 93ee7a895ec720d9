package device

import (
	"strconv"
	"strings"
)

// Kind names a device profile.
type Kind string

// Supported profiles.
const (
	KindPlusV1      Kind = "plus_v1"
	KindPlusV2      Kind = "plus_v2"
	KindClassic     Kind = "classic"
	KindWaterSensor Kind = "water_sensor"
)

// MergeStrategy controls how a poll result is combined with the previous one.
type MergeStrategy int

const (
	// MergeReplace discards the previous poll section. Used by profiles whose
	// poll endpoint returns the full device record.
	MergeReplace MergeStrategy = iota

	// MergeKeys updates the previous poll section key by key. Used by
	// profiles whose poll endpoint returns only changed fields.
	MergeKeys
)

func (m MergeStrategy) String() string {
	if m == MergeKeys {
		return "partial-merge"
	}
	return "full-replace"
}

// Section identifies one poll endpoint's snapshot within a Store.
type Section string

// Poll sections.
const (
	SectionState       Section = "state"
	SectionConsumption Section = "consumption"
	SectionStatistics  Section = "statistics"
)

// Attribute names exposed to consumers.
const (
	AttrAvailable       = "available"
	AttrModel           = "model"
	AttrName            = "name"
	AttrSerialNumber    = "serial_number"
	AttrFirmwareVersion = "firmware_version"
	AttrSignalStrength  = "signal_strength"

	AttrFlowRate         = "current_flow_rate"
	AttrPressure         = "water_pressure"
	AttrTemperature      = "water_temperature"
	AttrWaterFlowing     = "water_flowing"
	AttrTotalConsumption = "total_consumption"
	AttrDailyConsumption = "daily_consumption"
	AttrValveStatus      = "valve_status"

	AttrHotTemperature  = "hot_water_temperature"
	AttrColdTemperature = "cold_water_temperature"
	AttrHotPressure     = "hot_water_pressure"
	AttrColdPressure    = "cold_water_pressure"
	AttrHotLine         = "hot_line_number"
	AttrColdLine        = "cold_line_number"

	AttrBattery             = "battery"
	AttrHumidity            = "humidity"
	AttrAirTemperature      = "air_temperature"
	AttrHighHumidityAlert   = "high_humidity_alert"
	AttrLowHumidityAlert    = "low_humidity_alert"
	AttrLowTemperatureAlert = "low_temperature_alert"
	AttrWaterDetectedAlert  = "water_detected_alert"
)

// Derived attributes are computed by the agent rather than read from a
// snapshot.
const (
	AttrDeviceName              = "device_name"
	AttrValveState              = "valve_state"
	AttrLeakTestRunning         = "leak_test_running"
	AttrAwayMode                = "away_mode"
	AttrScheduledLeakTest       = "scheduled_leak_test_enabled"
	AttrFirmwareUpdateAvailable = "firmware_update_available"
	AttrFirmwareLatestVersion   = "firmware_latest_version"
	AttrFirmwareReleaseURL      = "firmware_release_url"
)

// Converter normalises a raw JSON value for an attribute. It returns false
// when the raw value has the wrong shape, in which case resolution moves on
// to the next candidate path.
type Converter func(raw any) (any, bool)

// Rule describes how one attribute is resolved.
type Rule struct {
	Attribute string

	// Push lists paths in the push snapshot, tried in order.
	Push []string

	// Poll lists paths in the poll section, tried in order after Push.
	Poll    []string
	Section Section

	// Default is used when neither snapshot carries the attribute.
	// A nil Default leaves the attribute unknown.
	Default any

	Convert Converter
}

// Capabilities lists what a profile can do besides being read.
type Capabilities struct {
	Push        bool // receives push messages
	Valve       bool // has a shutoff valve
	Preferences bool // away mode and leak test scheduling
	Consumption bool // daily consumption endpoint
	Statistics  bool // water sensor statistics endpoint

	// StateUntilKnown limits device record polling to until the product
	// code has been seen once.
	StateUntilKnown bool
}

// Profile is the immutable attribute table and rule set for one product
// class.
type Profile struct {
	Kind         Kind
	Model        string
	Merge        MergeStrategy
	Capabilities Capabilities

	rules    []Rule
	index    map[string]int
	pushKeys map[string]struct{}
	valve    map[string]RawValve
}

func newProfile(kind Kind, model string, merge MergeStrategy, caps Capabilities, valve map[string]RawValve, rules ...Rule) *Profile {
	p := &Profile{
		Kind:         kind,
		Model:        model,
		Merge:        merge,
		Capabilities: caps,
		rules:        rules,
		index:        make(map[string]int, len(rules)),
		pushKeys:     make(map[string]struct{}),
		valve:        make(map[string]RawValve, len(valve)),
	}
	for i, r := range rules {
		p.index[r.Attribute] = i
		for _, path := range r.Push {
			top, _, _ := strings.Cut(path, ".")
			p.pushKeys[top] = struct{}{}
		}
	}
	for k, v := range valve {
		p.valve[strings.ToLower(k)] = v
	}
	return p
}

// Rule returns the resolution rule for an attribute.
func (p *Profile) Rule(attribute string) (Rule, bool) {
	i, ok := p.index[attribute]
	if !ok {
		return Rule{}, false
	}
	return p.rules[i], true
}

// Rules returns the profile's rules in table order.
func (p *Profile) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Attributes lists every attribute the profile exposes, table attributes
// first, then derived ones.
func (p *Profile) Attributes() []string {
	attrs := make([]string, 0, len(p.rules)+8)
	for _, r := range p.rules {
		attrs = append(attrs, r.Attribute)
	}
	attrs = append(attrs, AttrDeviceName, AttrFirmwareUpdateAvailable, AttrFirmwareLatestVersion, AttrFirmwareReleaseURL)
	if p.Capabilities.Valve {
		attrs = append(attrs, AttrValveState, AttrLeakTestRunning)
	}
	if p.Capabilities.Preferences {
		attrs = append(attrs, AttrAwayMode, AttrScheduledLeakTest)
	}
	return attrs
}

// IsPushKey reports whether a top-level push key is used by any rule.
func (p *Profile) IsPushKey(key string) bool {
	_, ok := p.pushKeys[key]
	return ok
}

// NormalizeValve maps the device's raw valve vocabulary onto RawValve.
func (p *Profile) NormalizeValve(raw string) (RawValve, bool) {
	v, ok := p.valve[strings.ToLower(strings.TrimSpace(raw))]
	return v, ok
}

// Product codes as reported by the fleet enumeration endpoint.
const (
	ProductPlusV1      = "PP1"
	ProductPlusV2      = "PP2"
	ProductClassic     = "PC1"
	ProductWaterSensor = "PW1"
)

// LookupProfile returns the profile for a product code. Unknown codes are
// not an error; callers must check ok and leave the device unmanaged.
func LookupProfile(productCode string) (*Profile, bool) {
	p, ok := profiles[strings.ToUpper(strings.TrimSpace(productCode))]
	return p, ok
}

var plusValve = map[string]RawValve{
	"Open":    ValveRawOpen,
	"Closed":  ValveRawClosed,
	"Partial": ValveRawPartial,
	"LeakExp": ValveRawLeakTest,
}

// plusV2Valve accepts the alternate spellings seen on second generation units.
var plusV2Valve = map[string]RawValve{
	"Open":    ValveRawOpen,
	"Closed":  ValveRawClosed,
	"Close":   ValveRawClosed,
	"Partial": ValveRawPartial,
	"Opening": ValveRawPartial,
	"Closing": ValveRawPartial,
	"LeakExp": ValveRawLeakTest,
}

func plusRules() []Rule {
	return []Rule{
		{Attribute: AttrAvailable, Section: SectionState, Poll: []string{"online_status.v"}, Convert: equals("online")},
		{Attribute: AttrModel, Section: SectionState, Poll: []string{"product_code"}, Convert: asString},
		{Attribute: AttrSerialNumber, Section: SectionState, Poll: []string{"serial_number"}, Convert: asString},
		{Attribute: AttrFirmwareVersion, Section: SectionState, Poll: []string{"fw_version"}, Convert: asString},
		{Attribute: AttrSignalStrength, Section: SectionState, Push: []string{"rssi.v", "rssi"}, Poll: []string{"signal_strength"}, Convert: asFloat(0)},
		{Attribute: AttrFlowRate, Section: SectionState, Push: []string{"flow.v", "flow"}, Poll: []string{"flow.v"}, Convert: flowRate},
		{Attribute: AttrPressure, Section: SectionState, Push: []string{"sensor_data.pressure.v", "sensor_data.pressure"}, Poll: []string{"pressure.v", "pressure.mean"}, Convert: asFloat(2)},
		{Attribute: AttrTemperature, Section: SectionState, Push: []string{"sensor_data.temperature.v", "sensor_data.temperature"}, Poll: []string{"temperature.v", "temperature.mean"}, Convert: asFloat(2)},
		{Attribute: AttrWaterFlowing, Push: []string{"flow_state.v", "flow_state"}, Convert: notEquals("off")},
		{Attribute: AttrTotalConsumption, Push: []string{"consumption.v", "consumption"}, Convert: asFloat(1)},
		{Attribute: AttrDailyConsumption, Section: SectionConsumption, Poll: []string{"water_consumption"}, Convert: asFloat(1)},
		{Attribute: AttrValveStatus, Section: SectionState, Push: []string{"sov_state.v", "sov_state"}, Poll: []string{"sov_status.v"}, Convert: asString},
	}
}

// PlusV1 is the first generation Phyn Plus smart shutoff (PP1).
var PlusV1 = newProfile(KindPlusV1, "Phyn Plus", MergeReplace,
	Capabilities{Push: true, Valve: true, Preferences: true, Consumption: true},
	plusValve, plusRules()...)

// PlusV2 is the second generation Phyn Plus (PP2). Its state endpoint only
// returns changed fields.
var PlusV2 = newProfile(KindPlusV2, "Phyn Plus", MergeKeys,
	Capabilities{Push: true, Valve: true, Preferences: true, Consumption: true},
	plusV2Valve, plusRules()...)

// Classic is the Phyn Classic dual-line monitor (PC1). It has no valve and
// no push channel.
var Classic = newProfile(KindClassic, "Phyn Classic", MergeReplace,
	Capabilities{Consumption: true},
	nil,
	Rule{Attribute: AttrAvailable, Section: SectionState, Poll: []string{"online_status.v"}, Convert: equals("online")},
	Rule{Attribute: AttrModel, Section: SectionState, Poll: []string{"product_code"}, Convert: asString},
	Rule{Attribute: AttrSerialNumber, Section: SectionState, Poll: []string{"serial_number"}, Convert: asString},
	Rule{Attribute: AttrFirmwareVersion, Section: SectionState, Poll: []string{"fw_version"}, Convert: asString},
	Rule{Attribute: AttrSignalStrength, Section: SectionState, Poll: []string{"signal_strength"}, Convert: asFloat(0)},
	Rule{Attribute: AttrFlowRate, Section: SectionState, Poll: []string{"flow.v"}, Convert: flowRate},
	Rule{Attribute: AttrHotTemperature, Section: SectionState, Poll: []string{"temperature1.v", "temperature1.mean"}, Convert: asFloat(2)},
	Rule{Attribute: AttrColdTemperature, Section: SectionState, Poll: []string{"temperature2.v", "temperature2.mean"}, Convert: asFloat(2)},
	Rule{Attribute: AttrHotPressure, Section: SectionState, Poll: []string{"pressure1.v", "pressure1.mean"}, Convert: asFloat(2)},
	Rule{Attribute: AttrColdPressure, Section: SectionState, Poll: []string{"pressure2.v", "pressure2.mean"}, Convert: asFloat(2)},
	Rule{Attribute: AttrHotLine, Section: SectionState, Poll: []string{"hot_line_num"}, Convert: asInt},
	Rule{Attribute: AttrColdLine, Section: SectionState, Poll: []string{"cold_line_num"}, Convert: asInt},
	Rule{Attribute: AttrDailyConsumption, Section: SectionConsumption, Poll: []string{"water_consumption"}, Convert: asFloat(1)},
)

// WaterSensor is the battery powered leak and climate sensor (PW1).
var WaterSensor = newProfile(KindWaterSensor, "Phyn Water Sensor", MergeKeys,
	Capabilities{Statistics: true, StateUntilKnown: true},
	nil,
	Rule{Attribute: AttrAvailable, Section: SectionState, Poll: []string{"online_status.v"}, Convert: equals("online")},
	Rule{Attribute: AttrModel, Section: SectionState, Poll: []string{"product_code"}, Convert: asString},
	Rule{Attribute: AttrName, Section: SectionState, Poll: []string{"name"}, Convert: asString},
	Rule{Attribute: AttrSerialNumber, Section: SectionState, Poll: []string{"serial_number"}, Convert: asString},
	Rule{Attribute: AttrFirmwareVersion, Section: SectionState, Poll: []string{"fw_version"}, Convert: asString},
	Rule{Attribute: AttrBattery, Section: SectionStatistics, Poll: []string{"battery_level"}, Convert: asFloat(1)},
	Rule{Attribute: AttrHumidity, Section: SectionStatistics, Poll: []string{"humidity.0.value"}, Convert: asFloat(1)},
	Rule{Attribute: AttrAirTemperature, Section: SectionStatistics, Poll: []string{"temperature.0.value"}, Convert: asFloat(1)},
	Rule{Attribute: AttrHighHumidityAlert, Section: SectionStatistics, Poll: []string{"alerts.high_humidity"}, Convert: asBool},
	Rule{Attribute: AttrLowHumidityAlert, Section: SectionStatistics, Poll: []string{"alerts.low_humidity"}, Convert: asBool},
	Rule{Attribute: AttrLowTemperatureAlert, Section: SectionStatistics, Poll: []string{"alerts.low_temperature"}, Convert: asBool},
	Rule{Attribute: AttrWaterDetectedAlert, Section: SectionStatistics, Poll: []string{"alerts.water"}, Convert: asBool},
)

var profiles = map[string]*Profile{
	ProductPlusV1:      PlusV1,
	ProductPlusV2:      PlusV2,
	ProductClassic:     Classic,
	ProductWaterSensor: WaterSensor,
}

// =============================================================================
// Converters
// =============================================================================

func asString(raw any) (any, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return nil, false
}

func asBool(raw any) (any, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return nil, false
}

func asInt(raw any) (any, bool) {
	f, ok := toFloat(raw)
	if !ok {
		return nil, false
	}
	return int(f), true
}

func asFloat(places int) Converter {
	return func(raw any) (any, bool) {
		f, ok := toFloat(raw)
		if !ok {
			return nil, false
		}
		return round(f, places), true
	}
}

// flowRate keeps three decimals but reports a flat zero for anything that
// rounds to zero at two decimals.
func flowRate(raw any) (any, bool) {
	f, ok := toFloat(raw)
	if !ok {
		return nil, false
	}
	if round(f, 2) == 0 {
		return 0.0, true
	}
	return round(f, 3), true
}

func equals(want string) Converter {
	return func(raw any) (any, bool) {
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		return s == want, true
	}
}

func notEquals(want string) Converter {
	return func(raw any) (any, bool) {
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		return s != want, true
	}
}
