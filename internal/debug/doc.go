// Package debug orchestrates debug sessions across heterogeneous backends.
//
// A Manager owns the session table. Each Session runs a small state machine
//
//	stopped -> running <-> paused
//	any     -> terminated
//
// and drives one Adapter, chosen by backend Kind when the session starts.
// Adapters translate commands into a backend's wire protocol and report
// backend activity as BackendEvents; the session applies those events to its
// breakpoints and call stack and publishes them on the event bus.
//
// Backend processes are started through the session's Host and owned by the
// manager's process supervisor. An unexpected exit forces the owning session
// to terminated; other sessions are unaffected.
//
// All backend waits are bounded by the session timeout. A command that times
// out returns ErrProtocolTimeout and leaves the session in its last
// confirmed state.
package debug
