// Package mqtt connects an assistant to an MQTT broker. Messages
// arrive as JSON on <prefix>/inbox; replies go to <prefix>/outbox with
// both markdown and rendered HTML, and turn lifecycle events go to
// <prefix>/events.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the availability
// topic, optional Home Assistant discovery configs for its sensors,
// and re-subscribes to the inbox. A will message moves the
// availability topic to "offline" on unexpected disconnects.
package mqtt
