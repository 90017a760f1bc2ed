// Package mqtt connects the sampler to an MQTT broker. It provides a
// telemetry transport that publishes registrations and sample batches
// to per-device topics, and a status publisher that exposes upload
// statistics as Home Assistant sensors through MQTT discovery.
//
// Connection management, reconnects included, is handled by Eclipse
// Paho's [autopaho]. On every (re)connect the availability topic is
// set to "online" and discovery configs are republished; a retained
// will message flips it to "offline" when the link drops.
package mqtt
