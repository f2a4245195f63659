// Package terminal runs interactive shell sessions for workspace users and
// bridges them to a client over a WebSocket channel.
//
// # Core Components
//
//   - [Manager]: creates, authorizes, times out and terminates sessions.
//   - [Session]: one user's terminal, with its lifecycle [Status].
//   - [Bridge]: the per-channel event loop that speaks the JSON protocol.
//   - [Spawner] / [Process]: shell processes under a pseudo-terminal.
//   - [Conn]: the client channel, implemented over coder/websocket by [WSConn].
//
// # Session Lifecycle
//
//  1. [Manager.CreateSession] allocates a [StatusPending] session and a
//     channel token. No process runs yet.
//
//  2. A channel attaches with [Manager.Attach] and sends start{cols,rows}.
//     The shell starts in the user's workspace and the session becomes
//     [StatusActive]; the client receives ready{sessionId}.
//
//  3. The session becomes [StatusDestroyed] when the shell exits, the
//     channel closes, the inactivity timer fires, or it is terminated
//     through the API or by shutdown.
//
// # Protocol
//
// Text frames carry JSON objects tagged by "type". Inbound: start, input,
// resize, sync. Outbound: ready, output, exit, error, sync-started. Binary
// frames are raw input. Unknown types and malformed JSON get a non-fatal
// error reply.
//
// # Command Filtering
//
// Input is tracked line by line with a [cmdfilter.LineBuffer]. When a line
// is finalized it is checked by the session's [cmdfilter.Filter] before its
// terminator reaches the shell. A blocked line is discarded by writing an
// interrupt in place of the newline; an accepted line notifies the sync
// debouncer.
//
// # Security
//
//   - Channel tokens are verified per session; a session accepts at most one
//     channel.
//   - Input per message is capped at [MaxInputMessageSize].
//   - Terminal size is clamped to [MaxTermCols] x [MaxTermRows].
//   - Inbound messages are rate limited to [MessageRateLimit] per second
//     with a burst of [MessageRateBurst]; excess messages are dropped.
//   - Only shells in [AllowedShells] can be configured.
package terminal
