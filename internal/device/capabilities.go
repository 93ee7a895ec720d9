package device

import "context"

// Readable is implemented by every agent.
type Readable interface {
	ID() string
	Attributes() []string
	Resolve(attribute string) Value
	Subscribe(fn func(Change)) func()
}

// Commandable is implemented by devices with a shutoff valve.
type Commandable interface {
	OpenValve(ctx context.Context) error
	CloseValve(ctx context.Context) error
	ValveState() ValveState
}

// PreferenceCapable is implemented by devices with writable preferences.
type PreferenceCapable interface {
	SetPreference(ctx context.Context, name string, value bool) error
	SetAwayMode(ctx context.Context, on bool) error
	SetSchedulerEnabled(ctx context.Context, on bool) error
	Preference(name string) (bool, bool)
}

var (
	_ Readable          = (*Agent)(nil)
	_ Commandable       = (*Agent)(nil)
	_ PreferenceCapable = (*Agent)(nil)
)

// Commandable returns the agent as a Commandable if its profile has a valve.
func (a *Agent) Commandable() (Commandable, bool) {
	if !a.profile.Capabilities.Valve {
		return nil, false
	}
	return a, true
}

// PreferenceCapable returns the agent as a PreferenceCapable if its profile
// supports preferences.
func (a *Agent) PreferenceCapable() (PreferenceCapable, bool) {
	if !a.profile.Capabilities.Preferences {
		return nil, false
	}
	return a, true
}
