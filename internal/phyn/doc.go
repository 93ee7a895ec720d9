// Package phyn implements the device transports against the Phyn cloud.
//
// Client is the request/response side (device.PollClient). Every call goes
// through a circuit breaker so a failing upstream is not hammered by a
// full fleet sweep every poll interval. PushClient is the unsolicited side
// (device.PushClient): it subscribes to the per-device MQTT topic
// "prd/app_subscriptions/<device_id>" and decodes each message into
// device.Fields.
//
// Authentication is token based. Obtaining the token is outside this
// package; it is read from configuration.
package phyn
