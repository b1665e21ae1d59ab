package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/gotranspile/g722"
)

// G722 converts 16 kHz 16-bit little-endian PCM to 64 kbit/s G.722. The
// encoder and decoder keep independent state, so Encode and Decode may run
// on different goroutines but neither is safe for concurrent use with
// itself.
type G722 struct {
	enc *g722.Encoder
	dec *g722.Decoder

	samples []int16
}

func NewG722() *G722 {
	return &G722{
		enc: g722.NewEncoder(g722.Rate64000, 0),
		dec: g722.NewDecoder(g722.Rate64000, 0),
	}
}

func (g *G722) Name() string {
	return "G722"
}

// Encode takes an even number of samples; every two become one byte.
func (g *G722) Encode(frame []byte) ([]byte, error) {
	if len(frame)%4 != 0 {
		return nil, fmt.Errorf("G722: pcm length %d is not a whole sample pair", len(frame))
	}
	pcm := make([]int16, len(frame)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
	}
	out := make([]byte, len(pcm)/2)
	n := g.enc.Encode(out, pcm)
	if n < 0 {
		return nil, fmt.Errorf("G722: encode failed")
	}
	return out[:n], nil
}

func (g *G722) Decode(payload []byte) ([]byte, error) {
	if cap(g.samples) < 2*len(payload) {
		g.samples = make([]int16, 2*len(payload))
	}
	pcm := g.samples[:2*len(payload)]
	n := g.dec.Decode(pcm, payload)
	if n < 0 {
		return nil, fmt.Errorf("G722: decode failed")
	}
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(pcm[i]))
	}
	return out, nil
}
