package codec

import (
	"fmt"

	"github.com/zaf/g711"
)

// G711 converts 16-bit little-endian PCM to µ-law or A-law and back.
type G711 struct {
	name   string
	encode func([]byte) []byte
	decode func([]byte) []byte
}

func NewPCMU() *G711 {
	return &G711{name: "PCMU", encode: g711.EncodeUlaw, decode: g711.DecodeUlaw}
}

func NewPCMA() *G711 {
	return &G711{name: "PCMA", encode: g711.EncodeAlaw, decode: g711.DecodeAlaw}
}

func (g *G711) Name() string {
	return g.name
}

func (g *G711) Encode(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("%s: odd pcm length %d", g.name, len(frame))
	}
	return g.encode(frame), nil
}

func (g *G711) Decode(payload []byte) ([]byte, error) {
	return g.decode(payload), nil
}
