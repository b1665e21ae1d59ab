package rtp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/cloudwebrtc/go-rtp-media/pkg/utils"
	pionrtp "github.com/pion/rtp"
)

var (
	identityMu   sync.Mutex
	identityRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomIdentity draws a fresh SSRC, initial sequence number and initial
// timestamp.
func RandomIdentity() media.Identity {
	identityMu.Lock()
	defer identityMu.Unlock()
	return media.Identity{
		SSRC:             identityRand.Uint32(),
		InitialSequence:  uint16(identityRand.Uint32()),
		InitialTimestamp: identityRand.Uint32(),
	}
}

// Sequencer owns the sequence number and RTP timestamp of one outgoing
// stream. Only the sender loop mutates it; the timestamp is also read by the
// reporter and is kept in an atomic.
type Sequencer struct {
	ssrc uint32
	seq  uint16
	ts   utils.AtomicUInt32
}

func NewSequencer(id media.Identity) *Sequencer {
	s := &Sequencer{
		ssrc: id.SSRC,
		seq:  id.InitialSequence,
	}
	s.ts.Set(id.InitialTimestamp)
	return s
}

func (s *Sequencer) SSRC() uint32 {
	return s.ssrc
}

func (s *Sequencer) Sequence() uint16 {
	return s.seq
}

func (s *Sequencer) Timestamp() uint32 {
	return s.ts.Get()
}

// Stamp writes the identity, the current sequence number and timestamp
// into h without advancing them.
func (s *Sequencer) Stamp(h *pionrtp.Header) {
	h.Version = 2
	h.SSRC = s.ssrc
	h.SequenceNumber = s.seq
	h.Timestamp = s.ts.Get()
}

// NextSequence advances the sequence number by one, wrapping at 2^16.
func (s *Sequencer) NextSequence() {
	s.seq++
}

// AdvanceTimestamp adds units to the timestamp, wrapping at 2^32.
func (s *Sequencer) AdvanceTimestamp(units uint32) {
	s.ts.Add(units)
}

// Schedule is the pacing plan of a sender: a nominal period, a signed
// adjustment added once per packet and a floor under every wait.
type Schedule struct {
	period     time.Duration
	floor      time.Duration
	adjustment utils.AtomicDuration
}

func NewSchedule(period, adjustment time.Duration, floorDivisor int) *Schedule {
	if floorDivisor <= 0 {
		floorDivisor = media.DefaultMinPeriodDivisor
	}
	s := &Schedule{
		period: period,
		floor:  period / time.Duration(floorDivisor),
	}
	s.adjustment.Set(int64(adjustment))
	return s
}

func (s *Schedule) Period() time.Duration {
	return s.period
}

func (s *Schedule) Floor() time.Duration {
	return s.floor
}

func (s *Schedule) Adjustment() time.Duration {
	return time.Duration(s.adjustment.Get())
}

// SetAdjustment may be called from any goroutine while the sender runs.
func (s *Schedule) SetAdjustment(d time.Duration) {
	s.adjustment.Set(int64(d))
}

// Delay is how long to wait at now before the next departure, given the
// nominal media time sent since start and the accumulated adjustment.
func (s *Schedule) Delay(start, now time.Time, elapsed, adjust time.Duration) time.Duration {
	d := start.Add(elapsed + adjust).Sub(now)
	if d < s.floor {
		d = s.floor
	}
	return d
}
