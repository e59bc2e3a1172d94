package channels

import "errors"

// Sentinel errors returned by Channel.Send, classifying failures so the
// manager's outbound dispatcher can decide whether logging alone suffices
// or whether the adapter has more specific retry semantics of its own.
var (
	// ErrNotRunning is returned when Send is called on a channel that has
	// not completed Start, or has already been Stop()ped.
	ErrNotRunning = errors.New("channel not running")

	// ErrRateLimit indicates the platform rejected the send with a
	// rate-limit response. Adapters that can honor a retry-after duration
	// handle the retry internally (see spec §4.3); this error is only
	// surfaced once the adapter's own retry budget is exhausted.
	ErrRateLimit = errors.New("channel rate limited")

	// ErrTemporary indicates a transient transport failure that a caller
	// could reasonably retry (distinct from a permanent rejection).
	ErrTemporary = errors.New("channel temporary error")

	// ErrSendFailed is a permanent send failure not worth retrying.
	ErrSendFailed = errors.New("channel send failed")
)
