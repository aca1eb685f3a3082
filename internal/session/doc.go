// Package session coordinates the conversational state of a parley client:
// the conversation directory, the selected conversation's history, and at
// most one in-flight streaming exchange.
//
// All observable state lives behind the Controller's mutex and is read via
// Snapshot. Collaborators subscribe to the Notifier and re-read the snapshot
// on every Change; notifications carry no payload, so a dropped notification
// for a slow subscriber never loses data.
//
// An exchange finalizes exactly once, through one of three paths: a terminal
// message_end event, a partial commit (cancel, stream closure without a
// terminal event, or takeover by a newer exchange), or an error. After
// finalization, any event that arrives late on the old stream is dropped.
//
// Conversation switches race against their own slow loads: every switch bumps
// the session epoch, and an asynchronous result is installed only if the
// epoch it captured is still current. A stale result returns ErrSuperseded.
package session
