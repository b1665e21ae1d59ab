package rtp

import "time"

type verdict int

const (
	admitted verdict = iota
	duplicate
	late
)

func (v verdict) String() string {
	switch v {
	case admitted:
		return "admitted"
	case duplicate:
		return "duplicate"
	case late:
		return "late"
	}
	return "unknown"
}

// admission is the receiver's per-run acceptance state. It is owned by the
// receiver goroutine and never shared.
type admission struct {
	deadline time.Time

	ssrcLocked bool
	ssrc       uint32

	seqInit bool
	lastSeq uint16
	lastTs  uint32
	cycles  uint32

	thinDivisor int
	thinCount   int
}

func newAdmission(start time.Time, window time.Duration, thinDivisor int) *admission {
	return &admission{
		deadline:    start.Add(window),
		thinDivisor: thinDivisor,
	}
}

// early reports whether now still falls in the start-up burst window.
func (a *admission) early(now time.Time) bool {
	return now.Before(a.deadline)
}

// admitSSRC locks onto the first SSRC seen and rejects every other one.
func (a *admission) admitSSRC(ssrc uint32) bool {
	if !a.ssrcLocked {
		a.ssrcLocked = true
		a.ssrc = ssrc
		return true
	}
	return ssrc == a.ssrc
}

// admitSequence places seq in the wrap epoch of the last accepted number.
// The signed 16-bit distance is zero for a duplicate, negative for a packet
// behind the window and positive for one inside the forward half range.
// On acceptance it returns the timestamp distance, modulo 2^32, from the
// previously accepted packet and the count of sequence numbers skipped.
func (a *admission) admitSequence(seq uint16, ts uint32) (v verdict, gap uint32, lost uint16) {
	if !a.seqInit {
		a.seqInit = true
		a.lastSeq = seq
		a.lastTs = ts
		return admitted, 0, 0
	}

	delta := int16(seq - a.lastSeq)
	switch {
	case delta == 0:
		return duplicate, 0, 0
	case delta < 0:
		return late, 0, 0
	}

	if seq < a.lastSeq {
		a.cycles++
	}
	gap = ts - a.lastTs
	lost = uint16(delta) - 1
	a.lastSeq = seq
	a.lastTs = ts
	return admitted, gap, lost
}

// observe follows the highest sequence number without rejecting anything,
// so the wrap count stays known when sequence checking is off.
func (a *admission) observe(seq uint16) uint32 {
	if !a.seqInit {
		a.seqInit = true
		a.lastSeq = seq
	} else if int16(seq-a.lastSeq) > 0 {
		if seq < a.lastSeq {
			a.cycles++
		}
		a.lastSeq = seq
	}
	return a.extendedSequence()
}

// extendedSequence is the last accepted sequence number with the wrap count
// in the high 16 bits.
func (a *admission) extendedSequence() uint32 {
	return a.cycles<<16 | uint32(a.lastSeq)
}

// thin counts a packet reaching the thinning stage and reports whether it
// is the Nth one that must be dropped.
func (a *admission) thin() bool {
	if a.thinDivisor <= 0 {
		return false
	}
	a.thinCount++
	if a.thinCount == a.thinDivisor {
		a.thinCount = 0
		return true
	}
	return false
}
