package format

import (
	"bytes"
)

// Passthrough carries frames unchanged and fills gaps with the codec's
// silence pattern.
type Passthrough struct {
	name         string
	silence      []byte
	bytesPerUnit int
}

// NewPassthrough returns a formatter whose silence is pattern repeated
// bytesPerUnit times per RTP timestamp unit. A nil pattern disables silence
// synthesis.
func NewPassthrough(name string, pattern []byte, bytesPerUnit int) *Passthrough {
	if bytesPerUnit <= 0 {
		bytesPerUnit = 1
	}
	return &Passthrough{
		name:         name,
		silence:      append([]byte(nil), pattern...),
		bytesPerUnit: bytesPerUnit,
	}
}

func (p *Passthrough) Name() string {
	return p.name
}

func (p *Passthrough) Format(frame []byte) ([]byte, error) {
	return frame, nil
}

func (p *Passthrough) Unformat(payload []byte) ([]byte, error) {
	return payload, nil
}

// Silence returns units*bytesPerUnit bytes of the silence pattern.
func (p *Passthrough) Silence(units int) []byte {
	if units <= 0 || len(p.silence) == 0 {
		return nil
	}
	size := units * p.bytesPerUnit
	out := bytes.Repeat(p.silence, (size+len(p.silence)-1)/len(p.silence))
	return out[:size]
}
