// Package config loads debugd configuration.
//
// Configuration is layered: built-in defaults, then a TOML or YAML file
// (format chosen by extension), then DEBUGD_* environment variables. A
// missing file is not an error. The Watcher reloads the file when it changes
// so that backend settings can be refreshed without a restart.
//
// Example TOML:
//
//	[session]
//	timeout = "10s"
//	stop_grace = "2s"
//	max_sessions = 8
//
//	[logging]
//	enabled = true
//	layers = "session,adapter"
//
//	[backends.script]
//	command = "python3 -m debugpy.adapter"
//
//	[backends.custom]
//	command = "mydbg --stdio"
//	script = "codec.lua"
package config
