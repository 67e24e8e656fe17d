// Package mqtt relays conversation turn events to an MQTT broker.
//
// Every event published on the [events.Bus] is sent as JSON to
// <prefix>/<conversation>/events. Deltas go out at QoS 0 and the
// turn_end event at QoS 1. The relay keeps a retained availability
// topic at <prefix>/availability, with a last will of "offline" so
// subscribers notice an unclean disconnect.
//
// Clients may stop an in-flight turn by publishing any payload to
// <prefix>/<conversation>/stop. Inbound commands are rate limited.
//
// Connection management is handled by autopaho, which reconnects in
// the background and re-announces availability on every connect.
package mqtt
