// Package dap implements a Debug Adapter Protocol client.
//
// Messages are framed with the base protocol of github.com/google/go-dap
// (Content-Length headers followed by a JSON body). The client correlates
// responses with requests by sequence number, answers reverse requests
// through registered handlers, and delivers events in arrival order on an
// unbounded queue so that event consumers may issue requests of their own.
//
// When a continue or step request succeeds the client queues a synthetic
// "continued" event ahead of any later event, unless a "stopped" event
// already arrived between the request and its response. Consumers can thus
// rely on a continued event preceding the next stopped event.
package dap
