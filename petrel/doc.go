// Package petrel is a Go client for the Petrel publish/subscribe broker,
// built around a reconnection engine that preserves application-visible
// ordering and delivery behavior across transport failures.
//
// The primary lifecycle is:
//   - build Options (DefaultOptions enables reconnection)
//   - Connect to a broker endpoint
//   - publish and subscribe
//   - Close or Drain when finished
//
// On a transport failure the connection enters Reconnecting: publishes are
// redirected to a byte-capped reconnect buffer, the reconnect loop dials in
// the background, and on success every subscription is re-issued under a
// fresh server id and the buffer is flushed in FIFO order before the
// connection reports Connected again. Subscriptions keep a stable
// client-side handle across these epochs.
//
// All exported connection APIs are safe for concurrent use. Event handlers
// and message callbacks run off the state machine's critical path, so they
// may call back into the connection, including Close.
//
// Errors are typed with integer codes created through NewError and matched
// with ErrorCode.
package petrel
