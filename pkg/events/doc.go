// Package events fans prock lifecycle and request events out to subscribers.
//
// Emit never blocks the caller. Each subscriber owns a bounded buffer and a
// delivery goroutine; when a buffer is full the event is dropped for that
// subscriber only, logged at debug level and counted in
// prock_events_dropped_total. A subscriber that returns an error or panics
// is logged and keeps receiving later events.
//
// Subscribers shipped here: LogSubscriber (slog), WebhookSubscriber (HTTP
// POST, rate limited) and ChannelSubscriber (in-process consumers such as
// the websocket stream).
package events
