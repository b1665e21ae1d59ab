package format

import (
	"bytes"
	"errors"
	"fmt"
)

var ErrShortPayload = errors.New("format: short payload")

const (
	amrNoData   = 15
	amrNoCMR    = 15
	amrFrameDur = 20 // ms

	// storage header of a NO_DATA frame with the quality bit set
	amrNoDataHeader = amrNoData<<3 | 1<<2
)

// speech bits per frame type, -1 for types that cannot appear
var (
	amrNBBits = [16]int{95, 103, 118, 134, 148, 159, 204, 244, 39, -1, -1, -1, -1, -1, -1, 0}
	amrWBBits = [16]int{132, 177, 253, 285, 317, 365, 397, 461, 477, 40, -1, -1, -1, -1, 0, 0}
)

type amrFrame struct {
	ft   uint8
	q    bool
	data []byte
}

// AMR converts between the storage layout used by the device layer (a one
// byte frame header followed by the speech bits, per 20 ms frame) and the
// RTP payload of RFC 4867, either octet-aligned or bandwidth-efficient.
type AMR struct {
	wideband           bool
	bandwidthEfficient bool
	bits               *[16]int
}

func NewAMR(wideband, bandwidthEfficient bool) *AMR {
	a := &AMR{wideband: wideband, bandwidthEfficient: bandwidthEfficient, bits: &amrNBBits}
	if wideband {
		a.bits = &amrWBBits
	}
	return a
}

func (a *AMR) Name() string {
	name := "AMR"
	if a.wideband {
		name = "AMR-WB"
	}
	if a.bandwidthEfficient {
		return name + "/bandwidth-efficient"
	}
	return name + "/octet-aligned"
}

func (a *AMR) ClockRate() int {
	if a.wideband {
		return 16000
	}
	return 8000
}

// SamplesPerFrame is the RTP timestamp span of one frame.
func (a *AMR) SamplesPerFrame() int {
	return a.ClockRate() * amrFrameDur / 1000
}

// FrameSize is the storage size, header included, of a frame of type ft,
// or -1 when ft is not a valid type.
func (a *AMR) FrameSize(ft int) int {
	if ft < 0 || ft > 15 || a.bits[ft] < 0 {
		return -1
	}
	return 1 + (a.bits[ft]+7)/8
}

// MaxFrameSize is the storage size of the highest rate mode.
func (a *AMR) MaxFrameSize() int {
	if a.wideband {
		return a.FrameSize(8)
	}
	return a.FrameSize(7)
}

// Format packs one or more storage frames into a payload.
func (a *AMR) Format(frame []byte) ([]byte, error) {
	frames, err := a.parseStorage(frame)
	if err != nil {
		return nil, err
	}
	if a.bandwidthEfficient {
		return a.packBandwidthEfficient(frames), nil
	}
	return a.packOctetAligned(frames), nil
}

// Unformat recovers the storage frames of a payload. The codec mode request
// is ignored.
func (a *AMR) Unformat(payload []byte) ([]byte, error) {
	var (
		frames []amrFrame
		err    error
	)
	if a.bandwidthEfficient {
		frames, err = a.unpackBandwidthEfficient(payload)
	} else {
		frames, err = a.unpackOctetAligned(payload)
	}
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, f := range frames {
		out = append(out, a.header(f))
		out = append(out, f.data...)
	}
	return out, nil
}

// Silence returns NO_DATA frames covering units timestamp units, rounded
// down to whole frames.
func (a *AMR) Silence(units int) []byte {
	n := units / a.SamplesPerFrame()
	if n <= 0 {
		return nil
	}
	return bytes.Repeat([]byte{amrNoDataHeader}, n)
}

// Split walks the storage headers of buf and stops before the first
// partial frame or once maxUnits timestamp units are covered.
func (a *AMR) Split(buf []byte, maxUnits uint32) (used int, units uint32, err error) {
	span := uint32(a.SamplesPerFrame())
	for used < len(buf) && units+span <= maxUnits {
		ft := buf[used] >> 3 & 0x0F
		size := a.FrameSize(int(ft))
		if size < 0 {
			return used, units, fmt.Errorf("invalid %s frame type %d", a.Name(), ft)
		}
		if len(buf)-used < size {
			break
		}
		used += size
		units += span
	}
	return used, units, nil
}

func (a *AMR) header(f amrFrame) byte {
	h := f.ft << 3
	if f.q {
		h |= 1 << 2
	}
	return h
}

func (a *AMR) parseStorage(buf []byte) ([]amrFrame, error) {
	if len(buf) == 0 {
		return nil, ErrShortPayload
	}
	var frames []amrFrame
	for len(buf) > 0 {
		ft := buf[0] >> 3 & 0x0F
		size := a.FrameSize(int(ft))
		if size < 0 {
			return nil, fmt.Errorf("invalid %s frame type %d", a.Name(), ft)
		}
		if len(buf) < size {
			return nil, fmt.Errorf("frame type %d needs %d bytes, have %d: %w", ft, size, len(buf), ErrShortPayload)
		}
		frames = append(frames, amrFrame{ft: ft, q: buf[0]&(1<<2) != 0, data: buf[1:size]})
		buf = buf[size:]
	}
	return frames, nil
}

func (a *AMR) packOctetAligned(frames []amrFrame) []byte {
	out := []byte{amrNoCMR << 4}
	for i, f := range frames {
		toc := a.header(f)
		if i < len(frames)-1 {
			toc |= 0x80
		}
		out = append(out, toc)
	}
	for _, f := range frames {
		out = append(out, f.data...)
	}
	return out
}

func (a *AMR) unpackOctetAligned(payload []byte) ([]amrFrame, error) {
	if len(payload) < 2 {
		return nil, ErrShortPayload
	}
	pos := 1
	var frames []amrFrame
	for {
		if pos >= len(payload) {
			return nil, ErrShortPayload
		}
		toc := payload[pos]
		pos++
		ft := toc >> 3 & 0x0F
		if a.FrameSize(int(ft)) < 0 {
			return nil, fmt.Errorf("invalid %s frame type %d", a.Name(), ft)
		}
		frames = append(frames, amrFrame{ft: ft, q: toc&(1<<2) != 0})
		if toc&0x80 == 0 {
			break
		}
	}
	for i := range frames {
		size := a.FrameSize(int(frames[i].ft)) - 1
		if len(payload)-pos < size {
			return nil, ErrShortPayload
		}
		frames[i].data = payload[pos : pos+size]
		pos += size
	}
	return frames, nil
}

func (a *AMR) packBandwidthEfficient(frames []amrFrame) []byte {
	w := newBitWriter()
	w.write(amrNoCMR, 4)
	for i, f := range frames {
		var follow uint32
		if i < len(frames)-1 {
			follow = 1
		}
		w.write(follow, 1)
		w.write(uint32(f.ft), 4)
		var q uint32
		if f.q {
			q = 1
		}
		w.write(q, 1)
	}
	for _, f := range frames {
		w.writeBits(f.data, a.bits[f.ft])
	}
	return w.bytes()
}

func (a *AMR) unpackBandwidthEfficient(payload []byte) ([]amrFrame, error) {
	r := newBitReader(payload)
	if _, err := r.read(4); err != nil {
		return nil, err
	}
	var frames []amrFrame
	for {
		toc, err := r.read(6)
		if err != nil {
			return nil, err
		}
		ft := uint8(toc >> 1 & 0x0F)
		if a.FrameSize(int(ft)) < 0 {
			return nil, fmt.Errorf("invalid %s frame type %d", a.Name(), ft)
		}
		frames = append(frames, amrFrame{ft: ft, q: toc&1 != 0})
		if toc&0x20 == 0 {
			break
		}
	}
	for i := range frames {
		data, err := r.readBits(a.bits[frames[i].ft])
		if err != nil {
			return nil, err
		}
		frames[i].data = data
	}
	return frames, nil
}
