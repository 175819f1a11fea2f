package session

import "errors"

// Error kinds a matching run can fail with (spec §7). A step that fails
// after the run has entered Matching drops the session back to Unmatched;
// ErrNotProvisioned and ErrRunInProgress are returned by Run before any
// step starts and change no state. The controller is responsible for
// counting retries.
var (
	// ErrTimeout signals a per-step deadline elapsed.
	ErrTimeout = errors.New("session: step timed out")
	// ErrProtocol signals an expected message arrived out of order, or
	// with a mismatched run_id/app_type/sec_type.
	ErrProtocol = errors.New("session: protocol violation")
	// ErrLink signals the underlying link.Link failed to send or
	// receive.
	ErrLink = errors.New("session: link failure")
	// ErrAttenCharRejected signals the EV responded to CM_ATTEN_CHAR.IND
	// with a non-zero result.
	ErrAttenCharRejected = errors.New("session: EV rejected attenuation characterization")
	// ErrNotProvisioned signals Run was called before Provision
	// completed the one-shot Set-Key exchange (spec §4.4).
	ErrNotProvisioned = errors.New("session: Set-Key not yet provisioned")
	// ErrRunInProgress signals a second concurrent Run was attempted on
	// the same session (spec §3: "concurrent matching runs on one
	// session are forbidden").
	ErrRunInProgress = errors.New("session: matching run already in progress")

	// ErrForwardingStaMismatch tags the debug-level warning logged when
	// the EV MAC recorded from CM_START_ATTEN_CHAR.IND's forwarding_sta
	// field disagrees with the Ethernet source address the run has seen
	// so far. Never returned as a failure; spec.md does not list this as
	// a rejection condition.
	ErrForwardingStaMismatch = errors.New("session: forwarding_sta disagrees with observed EV MAC")

	errNoSoundsReceived = errors.New("session: no sounds received")
)
