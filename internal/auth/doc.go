// Package auth provides optional token authentication for rig-gateway.
//
// # Handshake Tokens
//
// Clients authenticate the WebSocket upgrade with an HS256 JWT signed with
// auth.jwt_secret. The token travels in the Authorization header:
//
//	Authorization: Bearer <token>
//
// or, for browsers that cannot set upgrade headers, as a query parameter:
//
//	ws://host:8000/ws?token=<token>
//
// The "sub" claim becomes the connection's Identity and is logged with it.
//
// # Modes
//
//   - no jwt_secret: every connection is anonymous
//   - jwt_secret set, required false: tokens are checked when present
//   - jwt_secret set, required true: upgrades without a valid token get 401
//
// Tokens are minted with `rig-gateway token <subject>`.
package auth
