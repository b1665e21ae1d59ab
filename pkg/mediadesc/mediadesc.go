package mediadesc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/codec"
	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/ghettovoice/gosip/util"
	pionsdp "github.com/pion/sdp/v3"
	"github.com/pixelbender/go-sdp/sdp"
)

var ErrNoAudio = errors.New("mediadesc: no audio stream")

var directions = []media.Direction{media.SendRecv, media.SendOnly, media.RecvOnly, media.Inactive}

// Parse turns the peer's negotiated description into the flow and media
// specs of the local side. The direction is reversed to our point of view
// and a rejected stream (port 0) is inactive.
func Parse(remote []byte, localPort int) (media.FlowSpec, media.MediaSpec, error) {
	var flow media.FlowSpec
	var spec media.MediaSpec

	sd := &pionsdp.SessionDescription{}
	if err := sd.Unmarshal(remote); err != nil {
		return flow, spec, fmt.Errorf("parse sdp: %w", err)
	}

	var md *pionsdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return flow, spec, ErrNoAudio
	}
	if len(md.MediaName.Formats) == 0 {
		return flow, spec, fmt.Errorf("audio stream has no formats")
	}

	flow.LocalPort = localPort
	flow.RemotePort = md.MediaName.Port.Value
	switch {
	case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
		flow.RemoteAddress = md.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		flow.RemoteAddress = sd.ConnectionInformation.Address.Address
	default:
		return flow, spec, fmt.Errorf("no connection address")
	}
	// strip a multicast ttl suffix
	if i := strings.IndexByte(flow.RemoteAddress, '/'); i > 0 {
		flow.RemoteAddress = flow.RemoteAddress[:i]
	}

	flow.Direction = media.SendRecv
	if dir, ok := direction(md.Attribute); ok {
		flow.Direction = dir
	} else if dir, ok := direction(sd.Attribute); ok {
		flow.Direction = dir
	}
	flow.Direction = flow.Direction.Reverse()
	if flow.RemotePort == 0 {
		flow.Direction = media.Inactive
	}

	pt, err := strconv.Atoi(md.MediaName.Formats[0])
	if err != nil || pt < 0 || pt > 127 {
		return flow, spec, fmt.Errorf("invalid payload type %q", md.MediaName.Formats[0])
	}
	spec.PayloadType = pt
	if c, err := sd.GetCodecForPayloadType(uint8(pt)); err == nil && c.Name != "" {
		spec.Codec = c.Name
		spec.SampleRate = int(c.ClockRate)
		spec.Fmtp = c.Fmtp
		if ch, err := strconv.Atoi(c.EncodingParameters); err == nil {
			spec.Channels = ch
		}
	} else if info, err := codec.Lookup(pt, "", 0, 0); err == nil {
		spec.Codec = info.Name
		spec.SampleRate = info.ClockRate
	} else {
		return flow, spec, fmt.Errorf("no rtpmap for payload type %d", pt)
	}

	if v, ok := md.Attribute("ptime"); ok {
		if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && ms > 0 {
			spec.PacketTime = time.Duration(ms) * time.Millisecond
		}
	}
	return flow, spec.WithDefaults(), nil
}

func direction(attr func(string) (string, bool)) (media.Direction, bool) {
	for _, d := range directions {
		if _, ok := attr(string(d)); ok {
			return d, true
		}
	}
	return "", false
}

// Local describes the media this side offers or answers with.
type Local struct {
	// Address defaults to the first non-loopback address of the host.
	Address   string
	Port      int
	Direction media.Direction
	// Formats in order of preference; the first one sets ptime.
	Formats []media.MediaSpec
}

// Describe builds the local session description.
func Describe(l Local) (*sdp.Session, error) {
	host := l.Address
	if host == "" || host == "0.0.0.0" {
		if v, err := util.ResolveSelfIP(); err == nil {
			host = v.String()
		} else {
			return nil, fmt.Errorf("resolve local address: %w", err)
		}
	}
	if ip := net.ParseIP(host); ip == nil {
		return nil, fmt.Errorf("invalid local address %q", host)
	}
	if len(l.Formats) == 0 {
		return nil, fmt.Errorf("no formats to describe")
	}
	dir := l.Direction
	if dir == "" {
		dir = media.SendRecv
	}

	m := &sdp.Media{
		Connection: []*sdp.Connection{{Address: host}},
		Mode:       string(dir),
		Type:       "audio",
		Port:       l.Port,
		Proto:      "RTP/AVP",
	}
	for _, f := range l.Formats {
		f = f.WithDefaults()
		info, err := codec.Lookup(f.PayloadType, f.Codec, f.SampleRate, f.Channels)
		if err != nil {
			return nil, err
		}
		format := &sdp.Format{Payload: uint8(info.PayloadType), Name: info.Name, ClockRate: info.ClockRate}
		if info.Channels > 1 {
			format.Channels = info.Channels
		}
		if f.Fmtp != "" {
			format.Params = []string{f.Fmtp}
		}
		m.Format = append(m.Format, format)
	}
	ptime := l.Formats[0].WithDefaults().PacketTime
	m.Attributes = append(m.Attributes, &sdp.Attr{Name: "ptime", Value: strconv.Itoa(int(ptime / time.Millisecond))})

	now := time.Now().UnixNano() / 1e6
	return &sdp.Session{
		Origin: &sdp.Origin{
			Username:       "-",
			Address:        host,
			SessionID:      now,
			SessionVersion: now,
		},
		Name:       "-",
		Timing:     &sdp.Timing{Start: time.Time{}, Stop: time.Time{}},
		Connection: &sdp.Connection{Address: host},
		Media:      []*sdp.Media{m},
	}, nil
}
