package codec

import (
	"fmt"

	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
)

// L16 swaps little-endian device samples to the network byte order of
// RFC 3551 linear audio.
type L16 struct{}

func (L16) Name() string {
	return "L16"
}

func (L16) Encode(frame []byte) ([]byte, error) {
	return swap16(frame)
}

func (L16) Decode(payload []byte) ([]byte, error) {
	return swap16(payload)
}

func swap16(in []byte) ([]byte, error) {
	if len(in)%2 != 0 {
		return nil, fmt.Errorf("L16: odd length %d", len(in))
	}
	out := make([]byte, len(in))
	for i := 0; i+1 < len(in); i += 2 {
		out[i], out[i+1] = in[i+1], in[i]
	}
	return out, nil
}

// NewTranscoder returns a fresh transcoder between linear PCM and the wire
// codec of info. Framed codecs have none.
func NewTranscoder(info Info) (media.Transcoder, error) {
	switch info.Name {
	case "PCMU":
		return NewPCMU(), nil
	case "PCMA":
		return NewPCMA(), nil
	case "G722":
		return NewG722(), nil
	case "L16":
		return L16{}, nil
	}
	return nil, fmt.Errorf("no linear transcoder for %s", info.Name)
}
