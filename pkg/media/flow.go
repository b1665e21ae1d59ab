package media

import (
	"fmt"
	"strings"
	"time"
)

type Direction string

const (
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	SendRecv Direction = "sendrecv"
	Inactive Direction = "inactive"
)

func (d Direction) Sends() bool {
	return d == SendOnly || d == SendRecv
}

func (d Direction) Receives() bool {
	return d == RecvOnly || d == SendRecv
}

// Reverse maps the peer's view of a stream onto ours.
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	}
	return d
}

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case SendOnly, RecvOnly, SendRecv, Inactive:
		return d, nil
	case "":
		return SendRecv, nil
	}
	return "", fmt.Errorf("unknown media direction %q", s)
}

// FlowSpec is the transport half of a negotiated session.
type FlowSpec struct {
	LocalPort     int
	RemoteAddress string
	RemotePort    int
	Direction     Direction
}

func (f FlowSpec) String() string {
	return fmt.Sprintf("local :%d -> %s:%d (%s)", f.LocalPort, f.RemoteAddress, f.RemotePort, f.Direction)
}

// MediaSpec carries the negotiated codec parameters. Zero fields take the
// defaults of a base audio codec: PCMU, 8000 Hz, mono, 20 ms packets.
type MediaSpec struct {
	PayloadType int // -1 or 0 with an empty Codec selects PCMU
	Codec       string
	SampleRate  int
	Channels    int
	// PacketSize, when set, is the number of device bytes per packet and
	// takes precedence over PacketTime.
	PacketSize int
	PacketTime time.Duration
	// Fmtp holds the format parameters of the codec, e.g. AMR octet-align.
	Fmtp string
	// Linear asks the engine to exchange 16-bit little-endian PCM with the
	// device layer and transcode to Codec on the wire.
	Linear bool
}

const (
	DefaultCodec      = "PCMU"
	DefaultSampleRate = 8000
	DefaultChannels   = 1
	DefaultPacketTime = 20 * time.Millisecond
)

// WithDefaults returns a copy with unset fields filled in.
func (m MediaSpec) WithDefaults() MediaSpec {
	if m.Codec == "" && m.PayloadType <= 0 {
		m.Codec = DefaultCodec
		m.PayloadType = 0
	}
	if m.Channels <= 0 {
		m.Channels = DefaultChannels
	}
	if m.PacketTime <= 0 {
		m.PacketTime = DefaultPacketTime
	}
	return m
}

func (m MediaSpec) String() string {
	return fmt.Sprintf("%s/%d/%d pt=%d ptime=%v", m.Codec, m.SampleRate, m.Channels, m.PayloadType, m.PacketTime)
}
