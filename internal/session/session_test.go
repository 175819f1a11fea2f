package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slacd/internal/clock"
	"slacd/internal/keys"
	"slacd/internal/link/linktest"
	"slacd/internal/wire"
)

var (
	localMAC = wire.MAC{0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB}
	evMAC    = wire.MAC{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	runID    = wire.RunID{0xFA, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA}
	s1NMK    = wire.NMK{0xB5, 0x93, 0x19, 0xD7, 0xE8, 0x15, 0x7B, 0xA0, 0x01, 0xB0, 0x18, 0x66, 0x9C, 0xCE, 0xE3, 0x0D}
	s1NID    = wire.NID{0x02, 0x6B, 0xCB, 0xA5, 0x35, 0x4E, 0x08}
)

// newTestSession builds a Session wired to an in-memory link and a fake
// clock shared with that link, with rnd as its random source (callers
// supply one GenerateNMK- or GenerateRunID-sized read per expected draw).
// Sharing the clock lets a test that never injects a frame deterministically
// trigger a timeout by calling clk.Advance instead of waiting in real time.
func newTestSession(rnd *bytes.Reader, cfg Config) (*Session, *linktest.Fake, *clock.Fake) {
	clk := clock.NewFake()
	fake := linktest.NewWithClock(clk)
	s := New("evse-test", localMAC, fake, cfg, WithClock(clk), WithRandSource(rnd))
	return s, fake, clk
}

func encodeFrame(t *testing.T, eth wire.EthernetHeader, hp wire.HomePlugHeader, payload []byte) []byte {
	t.Helper()
	return wire.Frame{Eth: eth, HP: hp, Payload: payload}.Encode()
}

func TestSetKeySendsExpectedRequest(t *testing.T) {
	// S1 Set-Key.
	rnd := bytes.NewReader(s1NMK[:])
	s, fake, _ := newTestSession(rnd, Config{})

	cnf := encodeFrame(t,
		wire.EthernetHeader{Dst: localMAC, Src: wire.AtheroschipMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSetKey, wire.KindCnf),
		wire.SetKeyCnf{Result: 0}.Encode(),
	)
	fake.Inject(cnf)

	require.NoError(t, s.SetKey(context.Background()))
	require.Len(t, fake.Sent, 1)

	f, err := wire.DecodeFrame(fake.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.AtheroschipMAC, f.Eth.Dst)
	assert.Equal(t, localMAC, f.Eth.Src)
	// The general base|kind formula yields 0x6008 for CM_SET_KEY.REQ; the
	// worked example in spec.md prints 0x6009 for this exact frame, which
	// disagrees with its own general rule in §4.1 (see DESIGN.md).
	assert.Equal(t, wire.MMSetKey|wire.KindReq, f.HP.MMType)

	req, err := wire.DecodeSetKeyReq(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, s1NID, req.NID)
	assert.Equal(t, s1NMK, req.NewKey)
	assert.GreaterOrEqual(t, len(fake.Sent[0]), wire.MinFrameSize)
}

func TestProvisionSettlesBeforeReturning(t *testing.T) {
	rnd := bytes.NewReader(s1NMK[:])
	s, fake, clk := newTestSession(rnd, Config{})

	cnf := encodeFrame(t,
		wire.EthernetHeader{Dst: localMAC, Src: wire.AtheroschipMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSetKey, wire.KindCnf),
		wire.SetKeyCnf{Result: 0}.Encode(),
	)
	fake.Inject(cnf)

	before := clk.Now()
	require.NoError(t, s.Provision(context.Background()))
	assert.True(t, s.provisioned)
	assert.Equal(t, SetKeySettleDelay, clk.Now().Sub(before))
}

func TestSlacParmHandshake(t *testing.T) {
	// S2 SLAC_PARM handshake.
	s, fake, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true

	req := encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSlacParm, wire.KindReq),
		wire.SlacParmReq{AppType: 0, SecType: 0, RunID: runID}.Encode(),
	)
	fake.Inject(req)

	require.NoError(t, s.SlacParm(context.Background()))
	assert.Equal(t, Matching, s.State())
	assert.Equal(t, evMAC, s.evMAC)
	assert.Equal(t, runID, s.runID)

	require.Len(t, fake.Sent, 1)
	f, err := wire.DecodeFrame(fake.Sent[0])
	require.NoError(t, err)
	cnf, err := wire.DecodeSlacParmCnf(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.BroadcastMAC, cnf.MSoundTarget)
	assert.EqualValues(t, 10, cnf.NumSounds)
	assert.EqualValues(t, 6, cnf.TimeOut)
	assert.EqualValues(t, 0x01, cnf.RespType)
	assert.Equal(t, evMAC, cnf.ForwardingSta)
	assert.Equal(t, runID, cnf.RunID)
}

func TestSlacParmTimesOutWithNoRequest(t *testing.T) {
	s, _, clk := newTestSession(bytes.NewReader(nil), Config{SlacInitTimeout: MinSlacInitTimeout})

	errCh := make(chan error, 1)
	go func() { errCh <- s.SlacParm(context.Background()) }()

	// No frame is ever injected. Repeatedly nudge the shared fake clock
	// forward until SlacParm's deadline (computed inside the goroutine,
	// so not yet known to us) is exceeded; this avoids a race against
	// exactly when the goroutine reads the starting time.
	giveUp := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-errCh:
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Equal(t, Unmatched, s.State())
			return
		case <-time.After(5 * time.Millisecond):
			clk.Advance(time.Second)
		}
		if time.Now().After(giveUp) {
			t.Fatal("SlacParm did not time out after repeated fake-clock advances")
		}
	}
}

// primeMatchingSession drives a session through SlacParm so subsequent
// steps (StartAttenCharac onward) have the run's identity established,
// without re-asserting SlacParmCnf's contents.
func primeMatchingSession(t *testing.T, s *Session, fake *linktest.Fake) {
	t.Helper()
	req := encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSlacParm, wire.KindReq),
		wire.SlacParmReq{AppType: 0, SecType: 0, RunID: runID}.Encode(),
	)
	fake.Inject(req)
	require.NoError(t, s.SlacParm(context.Background()))
	fake.Sent = nil
}

func TestSoundsLoopAveraging(t *testing.T) {
	// S3 Sounds averaging.
	s, fake, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true
	primeMatchingSession(t, s, fake)

	// Each sound's CM_ATTEN_PROFILE.IND is queued before the
	// CM_MNBC_SOUND.IND that decrements the expected-sound counter, so
	// that the third profile is consumed before the counter reaches zero
	// and ends the loop (spec §4.4 step 3: the loop exits as soon as
	// either the counter or the timeout is reached).
	aag := []byte{20, 30, 10}
	for i := 0; i < 3; i++ {
		profile := encodeFrame(t,
			wire.EthernetHeader{Dst: localMAC, Src: wire.AtheroschipMAC, EtherType: wire.EtherTypeHomePlug},
			wire.NewHomePlugHeader(wire.MMAttenProfile, wire.KindInd),
			wire.AttenProfile{PevMac: evMAC, NumGroups: byte(len(aag)), AAG: aag}.Encode(),
		)
		fake.Inject(profile)
		mnbc := encodeFrame(t,
			wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
			wire.NewHomePlugHeader(wire.MMMnbcSound, wire.KindInd),
			wire.MnbcSound{RunID: runID, Cnt: byte(i)}.Encode(),
		)
		fake.Inject(mnbc)
	}

	s.numSounds = 3
	s.timeOutUnits = 6 // 600ms, irrelevant here since the counter reaches zero first
	require.NoError(t, s.SoundsLoop(context.Background()))
	assert.EqualValues(t, 3, s.accum.NumTotalSounds())

	avg, err := s.accum.Average()
	require.NoError(t, err)
	assert.EqualValues(t, 20, avg[0])
	assert.EqualValues(t, 30, avg[1])
	assert.EqualValues(t, 10, avg[2])
	for g := 3; g < wire.NumCarrierGroups; g++ {
		assert.EqualValues(t, 0, avg[g], "group %d", g)
	}
}

func TestAttenCharEmitsAveragedProfile(t *testing.T) {
	s, fake, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true
	primeMatchingSession(t, s, fake)

	s.accum.Add([]byte{20, 30, 10})

	rsp := encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMAttenChar, wire.KindRsp),
		wire.AttenCharRsp{RunID: runID, Result: wire.AttenCharResultSuccess}.Encode(),
	)
	fake.Inject(rsp)

	require.NoError(t, s.AttenChar(context.Background()))
	require.Len(t, fake.Sent, 1)

	f, err := wire.DecodeFrame(fake.Sent[0])
	require.NoError(t, err)
	ind, err := wire.DecodeAttenChar(f.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ind.NumSounds)
	assert.EqualValues(t, wire.NumCarrierGroups, ind.NumGroups)
	assert.EqualValues(t, 20, ind.AAG[0])
	assert.EqualValues(t, 30, ind.AAG[1])
	assert.EqualValues(t, 10, ind.AAG[2])
}

func TestAttenCharRejection(t *testing.T) {
	// S4 Atten-char rejection.
	s, fake, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true
	primeMatchingSession(t, s, fake)
	s.accum.Add([]byte{1})

	rsp := encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMAttenChar, wire.KindRsp),
		wire.AttenCharRsp{RunID: runID, Result: 0x01}.Encode(),
	)
	fake.Inject(rsp)

	err := s.AttenChar(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttenCharRejected)
	assert.Equal(t, Unmatched, s.State())
	// Exactly the IND was sent; no further frame follows a rejection.
	assert.Len(t, fake.Sent, 1)
}

func TestAttenCharWrongRunID(t *testing.T) {
	// S5 Wrong run-id.
	s, fake, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true
	primeMatchingSession(t, s, fake)
	s.accum.Add([]byte{1})

	wrongRunID := wire.RunID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	rsp := encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMAttenChar, wire.KindRsp),
		wire.AttenCharRsp{RunID: wrongRunID, Result: wire.AttenCharResultSuccess}.Encode(),
	)
	fake.Inject(rsp)

	err := s.AttenChar(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, Unmatched, s.State())
	assert.Len(t, fake.Sent, 1)
}

func TestSlacMatchSuccess(t *testing.T) {
	// S6 Successful match.
	nmk := wire.NMK{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	rnd := bytes.NewReader(nmk[:])
	s, fake, _ := newTestSession(rnd, Config{})
	s.provisioned = true
	primeMatchingSession(t, s, fake)

	req := encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSlacMatch, wire.KindReq),
		wire.MatchReq{RunID: runID, PevMac: evMAC, EvseMac: localMAC}.Encode(),
	)
	fake.Inject(req)

	require.NoError(t, s.SlacMatch(context.Background()))
	assert.Equal(t, Matched, s.State())

	require.Len(t, fake.Sent, 1)
	f, err := wire.DecodeFrame(fake.Sent[0])
	require.NoError(t, err)
	cnf, err := wire.DecodeMatchCnf(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, evMAC, cnf.PevMac)
	assert.Equal(t, localMAC, cnf.EvseMac)
	assert.Equal(t, keys.DeriveNID(nmk), cnf.NID)
	assert.Equal(t, nmk, cnf.NMK)

	// mvf_length is little-endian 0x0056 ("56 00" on the wire).
	assert.Equal(t, byte(0x56), f.Payload[2])
	assert.Equal(t, byte(0x00), f.Payload[3])
}

func TestRunRequiresProvision(t *testing.T) {
	s, _, _ := newTestSession(bytes.NewReader(nil), Config{})
	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	s, _, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true
	s.running = true
	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunEndToEndMatch(t *testing.T) {
	matchNMK := wire.NMK{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	rnd := bytes.NewReader(matchNMK[:])
	s, fake, _ := newTestSession(rnd, Config{})
	s.provisioned = true

	fake.Inject(encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSlacParm, wire.KindReq),
		wire.SlacParmReq{RunID: runID}.Encode(),
	))
	fake.Inject(encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMStartAttenChar, wire.KindInd),
		wire.StartAttenChar{NumSounds: 1, TimeOut: 6, ForwardingSta: evMAC, RunID: runID}.Encode(),
	))
	// The profile arrives before the sound that zeroes the expected
	// counter, so SoundsLoop consumes it before exiting (see the
	// ordering note in TestSoundsLoopAveraging).
	fake.Inject(encodeFrame(t,
		wire.EthernetHeader{Dst: localMAC, Src: wire.AtheroschipMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMAttenProfile, wire.KindInd),
		wire.AttenProfile{PevMac: evMAC, NumGroups: 1, AAG: []byte{42}}.Encode(),
	))
	fake.Inject(encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMMnbcSound, wire.KindInd),
		wire.MnbcSound{RunID: runID}.Encode(),
	))
	fake.Inject(encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMAttenChar, wire.KindRsp),
		wire.AttenCharRsp{RunID: runID, Result: wire.AttenCharResultSuccess}.Encode(),
	))
	fake.Inject(encodeFrame(t,
		wire.EthernetHeader{Dst: wire.BroadcastMAC, Src: evMAC, EtherType: wire.EtherTypeHomePlug},
		wire.NewHomePlugHeader(wire.MMSlacMatch, wire.KindReq),
		wire.MatchReq{RunID: runID, PevMac: evMAC, EvseMac: localMAC}.Encode(),
	))

	out, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Matched)
	assert.Equal(t, evMAC, out.EvMAC)
	assert.Equal(t, matchNMK, out.NMK)
	assert.Equal(t, keys.DeriveNID(matchNMK), out.NID)
	assert.Equal(t, Matched, s.State())
	// SlacParm.CNF, AttenChar.IND, SlacMatch.CNF.
	assert.Len(t, fake.Sent, 3)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	s, _, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.provisioned = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.running)
}

func TestAttenResultsTimeoutOverride(t *testing.T) {
	// Config override: ATTEN_RESULTS_TIMEOUT replaces the message's
	// time_out field regardless of its value.
	got := soundsLoopTimeout(6, 500*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, got)

	// The override is capped at MaxAttenResultsTimeout even if configured
	// higher.
	got = soundsLoopTimeout(6, 5*time.Second)
	assert.Equal(t, MaxAttenResultsTimeout, got)

	// With no override, the message's own time_out (100ms units) governs.
	got = soundsLoopTimeout(6, 0)
	assert.Equal(t, 600*time.Millisecond, got)
}

func TestLeaveLogicalNetworkResetsState(t *testing.T) {
	s, _, _ := newTestSession(bytes.NewReader(nil), Config{})
	s.setState(Matched)
	require.NoError(t, s.LeaveLogicalNetwork())
	assert.Equal(t, Unmatched, s.State())
}

func TestSetKeyLinkErrorIsWrapped(t *testing.T) {
	rnd := bytes.NewReader(s1NMK[:])
	s, fake, _ := newTestSession(rnd, Config{})
	require.NoError(t, fake.Close())

	err := s.SetKey(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLink)
}
