// Package config loads the bridge configuration from YAML, applies
// PHYNBRIDGE_* environment overrides and validates the result.
//
// Secrets (the Phyn API token, broker passwords and the API JWT secret)
// are normally supplied through the environment rather than the file:
//
//	PHYNBRIDGE_PHYN_TOKEN
//	PHYNBRIDGE_MQTT_PASSWORD
//	PHYNBRIDGE_API_JWT_SECRET
//
// Validate reports every problem it finds in one error, so a bad file can be
// fixed in a single pass.
package config
