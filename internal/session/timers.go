package session

import "time"

// Fixed per-step timeouts mandated by ISO 15118-3 (spec §4.4). Only the
// SLAC-init timeout and the sounds-loop timeout are configurable, and only
// within the bounds spec §6 allows.
const (
	// DefaultSlacInitTimeout is TT_EVSE_SLAC_init's default; the spec
	// allows overriding it anywhere in [MinSlacInitTimeout,
	// MaxSlacInitTimeout].
	DefaultSlacInitTimeout = 50 * time.Second
	MinSlacInitTimeout     = 20 * time.Second
	MaxSlacInitTimeout     = 50 * time.Second

	// MatchSessionTimeout bounds the wait for CM_START_ATTEN_CHAR.IND
	// (TT_EVSE_match_session).
	MatchSessionTimeout = 10 * time.Second

	// MatchResponseTimeout bounds the wait for CM_ATTEN_CHAR.RSP
	// (TT_match_response).
	MatchResponseTimeout = 200 * time.Millisecond

	// MatchSequenceTimeout bounds the wait for CM_SLAC_MATCH.REQ
	// (TT_match_sequence).
	MatchSequenceTimeout = 400 * time.Millisecond

	// MatchingRepetitionWindow bounds how long the controller's retries
	// of an entire matching run may take (TT_matching_repetition).
	MatchingRepetitionWindow = 10 * time.Second

	// SetKeySettleDelay is the pause after CM_SET_KEY.CNF arrives, before
	// the session services EV traffic.
	SetKeySettleDelay = 10 * time.Second

	// MaxAttenResultsTimeout is the upper bound on an
	// ATTEN_RESULTS_TIMEOUT override, kept below the EV's own 1200ms
	// deadline (spec §6).
	MaxAttenResultsTimeout = 1050 * time.Millisecond

	// recvPollInterval bounds how long any single link.Recv call is
	// allowed to block. Every blocking read loop in this package slices
	// its remaining step deadline into chunks no larger than this, so
	// that a cancelled context is noticed within one slice instead of
	// only at the step's full deadline (spec §5: "cancellation must be
	// prompt").
	recvPollInterval = 100 * time.Millisecond
)

// clampSlacInitTimeout enforces the [20s, 50s] range spec §4.4/§6 requires
// for a configured override, falling back to the default when d is zero
// (unset).
func clampSlacInitTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultSlacInitTimeout
	}
	if d < MinSlacInitTimeout {
		return MinSlacInitTimeout
	}
	if d > MaxSlacInitTimeout {
		return MaxSlacInitTimeout
	}
	return d
}

// soundsLoopTimeout resolves the effective sounds-loop deadline: the
// message's own time_out field (in 100ms units) unless an
// ATTEN_RESULTS_TIMEOUT override is configured, capped at
// MaxAttenResultsTimeout (spec §4.4 step 2, §6 property 6).
func soundsLoopTimeout(messageTimeOutUnits byte, override time.Duration) time.Duration {
	if override > 0 {
		if override > MaxAttenResultsTimeout {
			override = MaxAttenResultsTimeout
		}
		return override
	}
	return time.Duration(messageTimeOutUnits) * 100 * time.Millisecond
}
