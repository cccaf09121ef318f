// Package pairing owns the gateway session pairing lifecycle.
//
// A Controller creates sessions on the gateway, persists them, registers the
// per-session webhook and issues pairing images. It is the only writer of
// pairing artifacts. Promotion to connected is left to statussync; the
// controller only moves sessions into connecting and, on explicit disconnect,
// back to disconnected.
//
// Every operation takes an explicit session id and an Actor. The default
// session of a tenant is resolved once, by ResolveSession, at the boundary.
package pairing
