// Package gateway orchestrates the rig-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of rig-gateway. It owns the
// data store, the search client and its shared rate limiter, the agent
// invoker, the session store, and the connection manager, and it serves the
// HTTP endpoints that expose them.
//
// # HTTP API
//
//	GET /            service description and endpoint list
//	GET /health      liveness plus live-connection count
//	GET /stats       connection, query, search and limiter counters
//	GET /metrics     Prometheus metrics (when metrics.enabled)
//	GET /ws          WebSocket upgrade (path set by server.ws_path)
//
// The WebSocket endpoint accepts an optional session_id query parameter to
// resume a conversation, and a bearer token (header or ?token=) when JWT auth
// is configured.
//
// # Connection Manager
//
// Manager owns every live connection. Accept admits a transport under the
// connection limit; over the limit the client receives a capacity_exceeded
// error and the socket closes with 1013 (try again later). Each connection
// has a bounded outbox drained by one writer goroutine, and one worker that
// runs the connection's queries in arrival order. Runs against the same
// session from different connections are serialized by the session store.
//
// Close is idempotent. It seals the outbox, cancels the running query,
// releases the connection slot, detaches the session, flushes a final error
// for abnormal reasons, and closes the transport. Nothing is written to a
// connection after Close has started.
//
// # Heartbeats
//
// Run ticks every heartbeat interval. A connection that has shown no
// liveness (any inbound frame, a heartbeat acknowledgement, or a pong to a
// transport ping) within the timeout is closed with idle_timeout.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// On shutdown every connection is closed with 1001 and a shutting_down
// error, then the HTTP server, tsnet node, search client, and store are
// released in that order.
package gateway
