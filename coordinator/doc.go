// Package coordinator is the hub between sandboxed host agents and the
// message broker.
//
// Each accepted connection moves through Unregistered, Registered,
// Terminating and Closed. A client name is bound by RegisterClient and
// released when the connection goes away; a second registration of a live
// name is rejected. The subscription table maps MQTT topic filters to client
// names, and the [Bridge] is subscribed to a filter while at least one client
// holds it.
//
// [Coordinator.HandleInbound] fans a broker message out to every matching
// client concurrently, at most once each. A client that cannot be reached
// within the delivery timeout is logged and skipped; messages are never
// retried or queued.
//
// [Supervisor] optionally launches agent processes and stops them with an
// advisory Shutdown followed by a kill, and [Coordinator.Handler] serves a
// small HTTP status API.
package coordinator
