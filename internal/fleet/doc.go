// Package fleet coordinates the device agents of one account.
//
// The Coordinator owns every Agent, drives the periodic refresh sweep and
// routes push messages to the right agent. A sweep refreshes all agents
// concurrently, each under its own timeout, so one slow or failing device
// never holds up the rest. Failures are collected into a SweepReport and
// returned as a *SweepError once the sweep has finished.
//
// Architecture:
//
//	┌────────────┐  @every 60s  ┌──────────────────────────────┐
//	│ Scheduler  │─────────────▶│ Coordinator                 │
//	│ (cron)     │              │  Idle ─Tick─▶ Ticking ─▶ Idle │
//	└────────────┘              │  Stop ─────▶ Stopped         │
//	                            └──┬───────────────┬───────────┘
//	           Refresh(ctx) ≤ 20s  │               │ RoutePush
//	                               ▼               ▼
//	                     ┌──────────────┐   ┌──────────────┐
//	                     │ device.Agent │ … │ device.Agent │
//	                     └──────────────┘   └──────────────┘
//
// State Machine:
//
//   - Idle: no sweep running. Tick is accepted.
//   - Ticking: a sweep is in progress. A second Tick returns
//     ErrTickInProgress.
//   - Stopped: terminal. In-flight refreshes are cancelled, push
//     subscriptions are dropped and every agent is closed.
//
// Usage:
//
//	coord := fleet.New(fleet.Options{Poll: client, Push: push, Homes: client})
//	if _, err := coord.Enumerate(ctx); err != nil {
//	    return err
//	}
//	report, err := coord.Tick(ctx)
//	var sweepErr *fleet.SweepError
//	if errors.As(err, &sweepErr) {
//	    // some devices are degraded; report has the detail
//	}
package fleet
