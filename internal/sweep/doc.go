// Package sweep audits every stored session against the gateway.
//
// A Monitor walks all sessions of all tenants one at a time, applies the
// gateway's answer through statussync, and alerts once per session that the
// sweep saw drop out of connected or connecting. Runs are single-flight;
// Schedule repeats them on an interval.
package sweep
