// Package audit records session lifecycle events for later review.
//
// Records go to the session_events table and to the standard logger. The
// teardown path uses the non-blocking Record method so that a slow database
// never extends a shutdown; interactive paths may use Log to get the write
// error back.
//
// Event types:
//   - login / login_failed: session creation attempts
//   - logout / stop / reaped: explicit or idle-driven removal
//   - tunnel_open / tunnel_close: port forward lifecycle
//   - leak_candidate: a session or tunnel that did not close within its bound
//   - container: remote container operations
//   - shutdown: summary of a bulk teardown
//
// Passwords are never part of an Entry.
package audit
