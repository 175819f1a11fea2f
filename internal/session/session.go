/*
Package session implements the EVSE-side SLAC matching state machine: the
one-shot Set-Key provisioning exchange and the repeatable matching run that
takes a session from UNMATCHED through MATCHING to MATCHED (spec §4.4).
*/
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"slacd/internal/clock"
	"slacd/internal/keys"
	"slacd/internal/link"
	"slacd/internal/wire"
)

// Config bundles the configurable timing knobs spec §6 exposes.
type Config struct {
	// SlacInitTimeout overrides TT_EVSE_SLAC_init; zero means the
	// default (50s). Clamped to [20s, 50s].
	SlacInitTimeout time.Duration
	// AttenResultsTimeoutOverride, if non-zero, replaces the sounds-loop
	// deadline carried in CM_START_ATTEN_CHAR.IND, capped at
	// MaxAttenResultsTimeout.
	AttenResultsTimeoutOverride time.Duration
}

// Outcome reports how a matching Run ended.
type Outcome struct {
	Matched bool
	NID     wire.NID
	NMK     wire.NMK
	EvMAC   wire.MAC
}

// Session drives one EVSE-side matching state machine over a single raw
// Link. Callers must not call Run concurrently with another Run on the
// same Session (spec §3).
type Session struct {
	EvseID string // opaque identifier used only for logging/observer calls

	link     link.Link
	clk      clock.Clock
	rnd      io.Reader
	log      *slog.Logger
	localMAC wire.MAC
	cfg      Config

	mu          sync.Mutex
	state       State
	running     bool
	provisioned bool

	// per-run fields, valid only while state != Unmatched or mid-Run.
	runID         wire.RunID
	appType       byte
	secType       byte
	evMAC         wire.MAC
	numSounds     byte
	timeOutUnits  byte
	forwardingSta wire.MAC
	accum         SoundAccumulator
	matchNID      wire.NID
	matchNMK      wire.NMK
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithClock injects a clock.Clock other than the real wall clock, for
// tests.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = c }
}

// WithRandSource injects an io.Reader other than crypto/rand.Reader, for
// tests.
func WithRandSource(r io.Reader) Option {
	return func(s *Session) { s.rnd = r }
}

// WithLogger injects a *slog.Logger other than slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New creates a Session bound to l, for the EVSE identified by evseID and
// reachable at localMAC (used as the Ethernet source address for every
// frame this session emits).
func New(evseID string, localMAC wire.MAC, l link.Link, cfg Config, opts ...Option) *Session {
	s := &Session{
		EvseID:   evseID,
		link:     l,
		clk:      clock.Real{},
		rnd:      rand.Reader,
		log:      slog.Default(),
		localMAC: localMAC,
		cfg:      cfg,
		state:    Unmatched,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Debug("session state transition", slog.String("evse_id", s.EvseID), slog.String("from", prev.String()), slog.String("to", next.String()))
	}
}

// Provision performs the one-shot CM_SET_KEY exchange: a fresh NMK/NID is
// generated and sent to the local chip, and the session waits for
// CM_SET_KEY.CNF before pausing SetKeySettleDelay for the chip to settle
// (spec §4.4). It must complete successfully before Run is called.
func (s *Session) Provision(ctx context.Context) error {
	if err := s.SetKey(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.provisioned = true
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-afterFunc(s.clk, SetKeySettleDelay):
		return nil
	}
}

// SetKey emits CM_SET_KEY.REQ with a freshly generated NMK/NID and awaits
// CM_SET_KEY.CNF from the local chip. The confirmation's result byte is
// never interpreted (spec §9: chip firmware inverts its polarity
// inconsistently); arrival alone is success.
func (s *Session) SetKey(ctx context.Context) error {
	nmk, err := keys.GenerateNMK(s.rnd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLink, err)
	}
	nid := keys.DeriveNID(nmk)

	req := wire.SetKeyReq{NID: nid, NewKey: nmk}
	frame := wire.Frame{
		Eth:     wire.EthernetHeader{Dst: wire.AtheroschipMAC, Src: s.localMAC, EtherType: wire.EtherTypeHomePlug},
		HP:      wire.NewHomePlugHeader(wire.MMSetKey, wire.KindReq),
		Payload: req.Encode(),
	}
	if err := s.link.Send(frame.Encode()); err != nil {
		return fmt.Errorf("%w: send CM_SET_KEY.REQ: %v", ErrLink, err)
	}

	deadline := s.clk.Now().Add(MatchSessionTimeout)
	for {
		remaining := deadline.Sub(s.clk.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: awaiting CM_SET_KEY.CNF", ErrTimeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.link.Recv(pollSlice(remaining))
		if err != nil {
			if err == link.ErrTimeout {
				continue
			}
			return fmt.Errorf("%w: recv: %v", ErrLink, err)
		}
		f, err := wire.DecodeFrame(raw)
		if err != nil {
			continue // malformed/foreign traffic, keep reading
		}
		if f.HP.MMType != (wire.MMSetKey | wire.KindCnf) {
			continue
		}
		if _, err := wire.DecodeSetKeyCnf(f.Payload); err != nil {
			continue
		}
		return nil
	}
}

// pollSlice bounds a single Recv call to at most recvPollInterval, so a
// cancelled context is noticed within one slice instead of only once the
// full remaining deadline elapses.
func pollSlice(remaining time.Duration) time.Duration {
	if remaining > recvPollInterval {
		return recvPollInterval
	}
	return remaining
}

// afterFunc returns a channel that fires once d has elapsed on clk,
// without blocking the caller's goroutine, so a context cancellation can
// race it in a select (used by Provision's settle delay).
func afterFunc(clk clock.Clock, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		clk.Sleep(d)
		close(ch)
	}()
	return ch
}

// recvUntil reads frames via s.link until deadline, handing each
// successfully decoded frame and its dispatched payload to accept. accept
// returns done=true to end the loop successfully, or a non-nil err to
// abort it; returning (false, nil) keeps reading. Frames that fail to
// decode, or whose payload dispatch is unrecognized, are silently
// discarded (spec §4.4: "other frames are discarded silently").
func (s *Session) recvUntil(ctx context.Context, deadline time.Time, accept func(wire.Frame, any) (bool, error)) error {
	for {
		remaining := deadline.Sub(s.clk.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: deadline exceeded", ErrTimeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.link.Recv(pollSlice(remaining))
		if err != nil {
			if err == link.ErrTimeout {
				continue
			}
			return fmt.Errorf("%w: recv: %v", ErrLink, err)
		}
		f, err := wire.DecodeFrame(raw)
		if err != nil {
			continue
		}
		msg, err := f.Dispatch()
		if err != nil {
			continue
		}
		done, err := accept(f, msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// SlacParm is matching-run step 1: it waits for a well-formed
// CM_SLAC_PARM.REQ within the configured SLAC-init timeout, records the
// run's identity from it, transitions to Matching, and answers with
// CM_SLAC_PARM.CNF (spec §4.4 step 1).
func (s *Session) SlacParm(ctx context.Context) error {
	deadline := s.clk.Now().Add(clampSlacInitTimeout(s.cfg.SlacInitTimeout))
	err := s.recvUntil(ctx, deadline, func(f wire.Frame, msg any) (bool, error) {
		req, ok := msg.(wire.SlacParmReq)
		if !ok || req.AppType != 0 || req.SecType != 0 {
			return false, nil
		}
		s.appType = req.AppType
		s.secType = req.SecType
		s.runID = req.RunID
		s.evMAC = f.Eth.Src
		return true, nil
	})
	if err != nil {
		return err
	}

	s.setState(Matching)

	cnf := wire.SlacParmCnf{
		MSoundTarget:  wire.BroadcastMAC,
		NumSounds:     defaultNumSounds,
		TimeOut:       defaultTimeOutUnits,
		RespType:      defaultRespType,
		ForwardingSta: s.evMAC,
		AppType:       s.appType,
		SecType:       s.secType,
		RunID:         s.runID,
	}
	return s.sendToEV(wire.MMSlacParm, wire.KindCnf, cnf.Encode())
}

// StartAttenCharac is matching-run step 2: it waits for
// CM_START_ATTEN_CHAR.IND within TT_EVSE_match_session, verifying it
// belongs to the run opened by SlacParm, and records the sounding
// parameters (spec §4.4 step 2).
func (s *Session) StartAttenCharac(ctx context.Context) error {
	deadline := s.clk.Now().Add(MatchSessionTimeout)
	err := s.recvUntil(ctx, deadline, func(f wire.Frame, msg any) (bool, error) {
		ind, ok := msg.(wire.StartAttenChar)
		if !ok {
			return false, nil
		}
		if ind.AppType != s.appType || ind.SecType != s.secType || ind.RunID != s.runID {
			return false, fmt.Errorf("%w: CM_START_ATTEN_CHAR.IND run mismatch", ErrProtocol)
		}
		s.numSounds = ind.NumSounds
		s.timeOutUnits = ind.TimeOut
		s.forwardingSta = ind.ForwardingSta
		return true, nil
	})
	if err != nil {
		s.setState(Unmatched)
		return err
	}
	if s.forwardingSta != s.evMAC {
		s.log.Debug("forwarding_sta mismatch", slog.String("evse_id", s.EvseID), slog.Any("error", ErrForwardingStaMismatch), slog.String("forwarding_sta", s.forwardingSta.String()), slog.String("ev_mac", s.evMAC.String()))
	}
	return nil
}

// SoundsLoop is matching-run step 3: it accumulates CM_ATTEN_PROFILE.IND
// indications from the local chip until either num_sounds
// CM_MNBC_SOUND.IND frames have arrived from the EV or the effective
// sounds-loop timeout elapses (spec §4.4 step 3).
func (s *Session) SoundsLoop(ctx context.Context) error {
	timeout := soundsLoopTimeout(s.timeOutUnits, s.cfg.AttenResultsTimeoutOverride)
	deadline := s.clk.Now().Add(timeout)
	expected := s.numSounds
	s.accum = SoundAccumulator{}

	for expected > 0 {
		remaining := deadline.Sub(s.clk.Now())
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			s.setState(Unmatched)
			return err
		}
		raw, err := s.link.Recv(pollSlice(remaining))
		if err != nil {
			if err == link.ErrTimeout {
				continue
			}
			s.setState(Unmatched)
			return fmt.Errorf("%w: recv: %v", ErrLink, err)
		}
		f, err := wire.DecodeFrame(raw)
		if err != nil {
			continue
		}
		msg, err := f.Dispatch()
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case wire.MnbcSound:
			if m.RunID != s.runID {
				continue
			}
			expected--
		case wire.AttenProfile:
			s.accum.Add(m.AAG)
		default:
			// discarded silently, per spec §4.4 step 3
		}
	}

	if s.accum.NumTotalSounds() == 0 {
		s.setState(Unmatched)
		return errNoSoundsReceived
	}
	return nil
}

// AttenChar is matching-run step 4: it computes the averaged attenuation
// profile accumulated by SoundsLoop and emits it to the EV as
// CM_ATTEN_CHAR.IND (spec §4.4 step 4).
func (s *Session) AttenChar(ctx context.Context) error {
	avg, err := s.accum.Average()
	if err != nil {
		s.setState(Unmatched)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	ind := wire.AttenChar{
		AppType:   s.appType,
		SecType:   s.secType,
		Source:    s.evMAC,
		RunID:     s.runID,
		NumSounds: byte(s.accum.NumTotalSounds()),
		NumGroups: wire.NumCarrierGroups,
		AAG:       avg[:],
	}
	if err := s.sendToEV(wire.MMAttenChar, wire.KindInd, ind.Encode()); err != nil {
		s.setState(Unmatched)
		return err
	}
	return s.awaitAttenCharRsp(ctx)
}

// awaitAttenCharRsp is matching-run step 5: it waits for CM_ATTEN_CHAR.RSP
// within TT_match_response and requires run_id to match and result to
// signal success (spec §4.4 step 5).
func (s *Session) awaitAttenCharRsp(ctx context.Context) error {
	deadline := s.clk.Now().Add(MatchResponseTimeout)
	err := s.recvUntil(ctx, deadline, func(f wire.Frame, msg any) (bool, error) {
		rsp, ok := msg.(wire.AttenCharRsp)
		if !ok {
			return false, nil
		}
		if rsp.RunID != s.runID {
			return false, fmt.Errorf("%w: CM_ATTEN_CHAR.RSP run mismatch", ErrProtocol)
		}
		if rsp.Result != wire.AttenCharResultSuccess {
			return false, fmt.Errorf("%w: result 0x%02x", ErrAttenCharRejected, rsp.Result)
		}
		return true, nil
	})
	if err != nil {
		s.setState(Unmatched)
		return err
	}
	return nil
}

// SlacMatch is matching-run steps 6-7: it waits for CM_SLAC_MATCH.REQ
// within TT_match_sequence, then provisions a fresh NMK/NID for the
// matched private logical network and confirms it with
// CM_SLAC_MATCH.CNF, transitioning to Matched (spec §4.4 steps 6-7).
func (s *Session) SlacMatch(ctx context.Context) error {
	deadline := s.clk.Now().Add(MatchSequenceTimeout)
	var pevMac wire.MAC
	err := s.recvUntil(ctx, deadline, func(f wire.Frame, msg any) (bool, error) {
		req, ok := msg.(wire.MatchReq)
		if !ok {
			return false, nil
		}
		if req.RunID != s.runID {
			return false, fmt.Errorf("%w: CM_SLAC_MATCH.REQ run mismatch", ErrProtocol)
		}
		pevMac = req.PevMac
		return true, nil
	})
	if err != nil {
		s.setState(Unmatched)
		return err
	}
	s.evMAC = pevMac

	nmk, err := keys.GenerateNMK(s.rnd)
	if err != nil {
		s.setState(Unmatched)
		return fmt.Errorf("%w: %v", ErrLink, err)
	}
	nid := keys.DeriveNID(nmk)

	cnf := wire.MatchCnf{
		AppType: s.appType,
		SecType: s.secType,
		PevMac:  pevMac,
		EvseMac: s.localMAC,
		RunID:   s.runID,
		NID:     nid,
		NMK:     nmk,
	}
	if err := s.sendToEV(wire.MMSlacMatch, wire.KindCnf, cnf.Encode()); err != nil {
		s.setState(Unmatched)
		return err
	}

	s.mu.Lock()
	s.matchNID, s.matchNMK = nid, nmk
	s.mu.Unlock()
	s.setState(Matched)
	return nil
}

// LeaveLogicalNetwork tears the session back down to Unmatched. It is a
// no-op on the wire, reserved for a future chip re-key operation (spec
// §4.4: "no-op stub in this core"); the controller calls it on teardown.
func (s *Session) LeaveLogicalNetwork() error {
	s.setState(Unmatched)
	return nil
}

// Run sequences the full seven-step matching run (spec §4.4), returning
// the negotiated NID/NMK/EV MAC on success. Provision must have completed
// successfully first.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if !s.provisioned {
		s.mu.Unlock()
		return Outcome{}, ErrNotProvisioned
	}
	if s.running {
		s.mu.Unlock()
		return Outcome{}, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"slac_parm", s.SlacParm},
		{"start_atten_charac", s.StartAttenCharac},
		{"sounds_loop", s.SoundsLoop},
		{"atten_char", s.AttenChar},
		{"slac_match", s.SlacMatch},
	}
	start := s.clk.Now()
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.log.Debug("matching run failed", slog.String("evse_id", s.EvseID), slog.String("step", step.name), slog.Any("error", err))
			return Outcome{}, err
		}
		s.log.Debug("matching run step done", slog.String("evse_id", s.EvseID), slog.String("step", step.name), slog.Duration("elapsed", s.clk.Since(start)))
	}

	s.mu.Lock()
	out := Outcome{Matched: true, NID: s.matchNID, NMK: s.matchNMK, EvMAC: s.evMAC}
	s.mu.Unlock()
	return out, nil
}

// sendToEV builds and sends a frame for the given management message
// addressed to the run's current EV MAC.
func (s *Session) sendToEV(base, kind uint16, payload []byte) error {
	frame := wire.Frame{
		Eth:     wire.EthernetHeader{Dst: s.evMAC, Src: s.localMAC, EtherType: wire.EtherTypeHomePlug},
		HP:      wire.NewHomePlugHeader(base, kind),
		Payload: payload,
	}
	if err := s.link.Send(frame.Encode()); err != nil {
		return fmt.Errorf("%w: send 0x%04x: %v", ErrLink, base|kind, err)
	}
	return nil
}

// Fixed CM_SLAC_PARM.CNF field values (spec §4.1).
const (
	defaultNumSounds    byte = 10
	defaultTimeOutUnits byte = 6
	defaultRespType     byte = 0x01
)
