package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/codec"
	"github.com/cloudwebrtc/go-rtp-media/pkg/format"
	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/cloudwebrtc/go-rtp-media/pkg/rtp"
)

const amrFramePeriod = 20 * time.Millisecond

// Params is the engine configuration derived from a negotiated media spec.
type Params struct {
	Codec    codec.Info
	Sender   rtp.SenderParams
	Receiver rtp.ReceiverParams
}

// Derive resolves codec metadata and sizes the packets of spec. Framed codecs
// are never combined with a transcoder since the sender formats before it
// transcodes while the receiver unformats before it decodes.
func Derive(spec media.MediaSpec, cfg media.Config) (Params, error) {
	spec = spec.WithDefaults()
	info, err := codec.Lookup(spec.PayloadType, spec.Codec, spec.SampleRate, spec.Channels)
	if err != nil {
		return Params{}, err
	}
	if info.PayloadType < 0 || info.PayloadType > 127 {
		return Params{}, fmt.Errorf("%s needs a dynamic payload type", info.Name)
	}
	if spec.Linear && info.Framed {
		return Params{}, fmt.Errorf("%s carries in-band framing and cannot be transcoded from linear pcm", info.Name)
	}

	channels := info.Channels
	ptime := spec.PacketTime
	var (
		payloadSize int
		samples     int
		formatter   media.Formatter
	)

	switch {
	case info.Framed:
		amr := format.NewAMR(info.Name == "AMR-WB", amrBandwidthEfficient(spec.Fmtp, cfg.AMRBandwidthEfficient))
		frames := int(ptime / amrFramePeriod)
		if frames < 1 {
			frames = 1
		}
		ptime = time.Duration(frames) * amrFramePeriod
		payloadSize = frames * amr.MaxFrameSize()
		if spec.PacketSize > 0 {
			payloadSize = spec.PacketSize
		}
		samples = frames * amr.SamplesPerFrame()
		formatter = amr

	default:
		// device bytes per second of audio
		rate := info.ClockRate * info.BytesPerUnit * channels
		if spec.Linear {
			rate = info.SampleRate * 2 * channels
		}
		if rate <= 0 {
			return Params{}, fmt.Errorf("cannot size packets of %s", info.Name)
		}
		if spec.PacketSize > 0 {
			payloadSize = spec.PacketSize
			ptime = time.Duration(payloadSize) * time.Second / time.Duration(rate)
		} else {
			payloadSize = int(int64(rate) * int64(ptime) / int64(time.Second))
		}
		samples = int(int64(info.ClockRate) * int64(ptime) / int64(time.Second))
		formatter = format.NewPassthrough(info.Name, info.Silence, info.BytesPerUnit*channels)
	}
	if payloadSize <= 0 || samples <= 0 || ptime <= 0 {
		return Params{}, fmt.Errorf("invalid packetization for %v", spec)
	}

	p := Params{
		Codec: info,
		Sender: rtp.SenderParams{
			PayloadType:      uint8(info.PayloadType),
			PayloadSize:      payloadSize,
			PacketTime:       ptime,
			Channels:         channels,
			SamplesPerPacket: uint32(samples),
			Formatter:        formatter,
		},
		Receiver: rtp.ReceiverParams{
			ClockRate:        info.ClockRate,
			SamplesPerPacket: uint32(samples),
			Formatter:        formatter,
		},
	}
	if spec.Linear {
		// encoder and decoder state must not be shared between the loops
		if p.Sender.Transcoder, err = codec.NewTranscoder(info); err != nil {
			return Params{}, err
		}
		if p.Receiver.Transcoder, err = codec.NewTranscoder(info); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// amrBandwidthEfficient follows the octet-align format parameter when the
// peer sent one.
func amrBandwidthEfficient(fmtp string, fallback bool) bool {
	for _, param := range strings.Split(fmtp, ";") {
		kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "octet-align") {
			return strings.TrimSpace(kv[1]) != "1"
		}
	}
	return fallback
}
