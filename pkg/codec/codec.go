package codec

import (
	"fmt"
	"strings"
)

// Dynamic marks codecs without a static payload type.
const Dynamic = -1

// Info is the static description of a wire codec.
type Info struct {
	Name        string
	PayloadType int
	// ClockRate is the RTP timestamp rate.
	ClockRate int
	// SampleRate is the PCM rate exchanged with the device layer when it
	// works on linear samples.
	SampleRate int
	Channels   int
	// BytesPerUnit is the wire size of one timestamp unit of one channel,
	// zero for frame based codecs.
	BytesPerUnit int
	// Silence is the wire pattern of one silent unit, nil when the codec
	// cannot be filled bytewise.
	Silence []byte
	// Framed codecs carry in-band framing and never take a transcoder.
	Framed bool
}

var table = []Info{
	{Name: "PCMU", PayloadType: 0, ClockRate: 8000, SampleRate: 8000, Channels: 1, BytesPerUnit: 1, Silence: []byte{0xFF}},
	{Name: "PCMA", PayloadType: 8, ClockRate: 8000, SampleRate: 8000, Channels: 1, BytesPerUnit: 1, Silence: []byte{0xD5}},
	// G.722 keeps the 8000 Hz timestamp rate of RFC 3551 for 16 kHz audio
	{Name: "G722", PayloadType: 9, ClockRate: 8000, SampleRate: 16000, Channels: 1, BytesPerUnit: 1},
	{Name: "L16", PayloadType: 11, ClockRate: 44100, SampleRate: 44100, Channels: 1, BytesPerUnit: 2, Silence: []byte{0x00}},
	{Name: "L16", PayloadType: 10, ClockRate: 44100, SampleRate: 44100, Channels: 2, BytesPerUnit: 2, Silence: []byte{0x00}},
	{Name: "AMR", PayloadType: Dynamic, ClockRate: 8000, SampleRate: 8000, Channels: 1, Framed: true},
	{Name: "AMR-WB", PayloadType: Dynamic, ClockRate: 16000, SampleRate: 16000, Channels: 1, Framed: true},
}

// Lookup resolves a codec by encoding name or, when name is empty, by
// static payload type. A dynamic payload type is kept from the caller.
// clockRate and channels, when positive, pick between entries sharing a
// name and override the rate of dynamic encodings.
func Lookup(payloadType int, name string, clockRate, channels int) (Info, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		for _, info := range table {
			if info.PayloadType == payloadType && payloadType != Dynamic {
				return info, nil
			}
		}
		return Info{}, fmt.Errorf("unknown static payload type %d", payloadType)
	}

	var found *Info
	for i := range table {
		info := table[i]
		if info.Name != name {
			continue
		}
		if found == nil {
			found = &table[i]
		}
		if channels > 0 && info.Channels == channels {
			found = &table[i]
			break
		}
	}
	if found == nil {
		return Info{}, fmt.Errorf("unsupported codec %q", name)
	}

	info := *found
	if payloadType >= 0 && payloadType != info.PayloadType {
		info.PayloadType = payloadType
	}
	if clockRate > 0 && !info.Framed && name != "G722" {
		info.ClockRate = clockRate
		info.SampleRate = clockRate
	}
	if channels > 0 {
		info.Channels = channels
	}
	return info, nil
}

func (i Info) String() string {
	return fmt.Sprintf("%s/%d/%d pt=%d", i.Name, i.ClockRate, i.Channels, i.PayloadType)
}
