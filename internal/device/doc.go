// Package device reconciles the state of a single Phyn device.
//
// Every device is reachable over two independent channels: a slow periodic
// poll (REST request/response) and a fast unsolicited push stream (MQTT).
// This package merges the two into one coherent view per device.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────────┐
//	│                              Agent                                 │
//	│                                                                    │
//	│  ┌──────────────┐   ┌───────────────────┐   ┌──────────────────┐  │
//	│  │    Store     │   │ TransitionTracker │   │ PreferenceCache  │  │
//	│  │  (store.go)  │   │    (valve.go)     │   │ (preferences.go) │  │
//	│  │              │   │                   │   │                  │  │
//	│  │ • poll snaps │   │ • Opening/Closing │   │ • confirmed      │  │
//	│  │ • push snap  │   │ • leak test flag  │   │   writes only    │  │
//	│  │ • resolve    │   │                   │   │                  │  │
//	│  └──────────────┘   └───────────────────┘   └──────────────────┘  │
//	│          ▲                                                         │
//	│          │ attribute table                                         │
//	│  ┌──────────────┐                                                  │
//	│  │   Profile    │  PlusV1 (PP1), PlusV2 (PP2), Classic (PC1),      │
//	│  │ (profile.go) │  WaterSensor (PW1)                               │
//	│  └──────────────┘                                                  │
//	└───────────────────────────────────────────────────────────────────┘
//
// # Resolution
//
// Each attribute of a profile has a Rule listing the push paths and poll
// paths that may carry it. Resolution takes the first push path present,
// then the first poll path present, then the rule default. If none apply
// the attribute is unknown; resolving never fails.
//
// # Concurrency
//
// Mutations for one device are serialised by the agent's lock. Network I/O
// is never performed while holding it, so a push arriving during a refresh
// is applied as soon as the in-flight poll result is not being written.
// Push messages are queued on a per-agent channel and applied by a single
// worker goroutine.
//
// # Usage
//
//	profile, ok := device.LookupProfile("PP2")
//	if !ok {
//	    return // unsupported, not an error
//	}
//	agent := device.NewAgent(device.AgentConfig{ID: id, Profile: profile, Poll: client})
//	agent.Start()
//	defer agent.Close()
//
//	if err := agent.Refresh(ctx); err != nil {
//	    log.Warn("refresh failed", "error", err)
//	}
//	flow := agent.Resolve(device.AttrFlowRate)
package device
