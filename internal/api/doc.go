// Package api implements the bridge's HTTP REST API and WebSocket server.
//
// This package provides:
//   - Read endpoints for resolved device state and fleet status
//   - Valve commands and preference writes, recorded in the audit log
//   - A WebSocket hub relaying change notifications
//   - The Prometheus scrape endpoint
//
// # Architecture
//
//	HTTP client ──> chi router ──> fleet.Coordinator ──> device.Agent ──> Phyn cloud
//	WebSocket   <── Hub <── Coordinator.Subscribe
//
// Reads never block on the coordinator: they go straight to an agent's
// resolved state. Commands are forwarded to the device and never change
// local state optimistically; the confirmed state arrives by push or poll.
//
// # Graceful Degradation
//
// The audit repository and metrics gatherer are optional. Without them the
// corresponding endpoints return 404.
package api
