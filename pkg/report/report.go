package report

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/rtp"
	"github.com/cloudwebrtc/go-rtp-media/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/tevino/abool"
)

// SenderState is the part of a sender a report describes.
type SenderState interface {
	SSRC() uint32
	Timestamp() uint32
	PacketCount() uint32
	OctetCount() uint32
}

// Reporter sends RTCP sender reports on the port next to the RTP port. It is
// driven by the sender's report callback and never runs a loop of its own.
type Reporter struct {
	endpoint *rtp.Endpoint
	cname    string

	mu       sync.Mutex
	stats    func() rtp.ReceiverStats
	previous rtp.ReceiverStats
	ssrc     uint32

	halted *abool.AtomicBool
	logger log.Logger
}

// New binds bind:rtpPort+1, or an ephemeral port when that is taken or
// rtpPort is zero. An empty cname is replaced by a random one.
func New(bind string, rtpPort int, cname string) (*Reporter, error) {
	if cname == "" {
		cname = uuid.New().String()
	}
	logger := utils.NewLogrusLogger(utils.DefaultLogLevel, "Report", log.Fields{"cname": cname})

	var ep *rtp.Endpoint
	var err error
	if rtpPort > 0 {
		ep, err = rtp.Listen(bind, rtpPort+1, 0, 0)
		if err != nil {
			logger.Warnf("RTCP port %d unavailable: %v", rtpPort+1, err)
		}
	}
	if ep == nil {
		if ep, err = rtp.Listen(bind, 0, 0, 0); err != nil {
			return nil, fmt.Errorf("listen rtcp: %w", err)
		}
	}

	return &Reporter{
		endpoint: ep,
		cname:    cname,
		halted:   abool.New(),
		logger:   logger,
	}, nil
}

func (r *Reporter) Log() log.Logger {
	return r.logger
}

func (r *Reporter) CNAME() string {
	return r.cname
}

func (r *Reporter) LocalAddr() *net.UDPAddr {
	return r.endpoint.LocalAddr()
}

// SetRemoteAddr takes the peer's RTP address; reports go to the port above.
func (r *Reporter) SetRemoteAddr(rtpAddr *net.UDPAddr) {
	if rtpAddr == nil {
		return
	}
	r.endpoint.SetRemoteAddr(&net.UDPAddr{IP: rtpAddr.IP, Port: rtpAddr.Port + 1, Zone: rtpAddr.Zone})
}

// SetReceiver adds a reception report block built from stats to every
// sender report.
func (r *Reporter) SetReceiver(stats func() rtp.ReceiverStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = stats
}

// Report sends one compound SR + SDES packet describing s.
func (r *Reporter) Report(s SenderState) error {
	if r.halted.IsSet() {
		return nil
	}
	r.mu.Lock()
	r.ssrc = s.SSRC()
	sr := &rtcp.SenderReport{
		SSRC:        s.SSRC(),
		NTPTime:     ntpTime(time.Now()),
		RTPTime:     s.Timestamp(),
		PacketCount: s.PacketCount(),
		OctetCount:  s.OctetCount(),
	}
	if r.stats != nil {
		if rr, ok := r.receptionReport(r.stats()); ok {
			sr.Reports = []rtcp.ReceptionReport{rr}
		}
	}
	r.mu.Unlock()

	sdes := &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
		Source: s.SSRC(),
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: r.cname}},
	}}}

	if err := r.write(sr, sdes); err != nil {
		return err
	}
	r.Log().Debugf("Sent SR ssrc %d, packets %d, octets %d", sr.SSRC, sr.PacketCount, sr.OctetCount)
	return nil
}

// receptionReport turns the receiver counters into a report block. The
// fraction lost covers the interval since the previous report.
func (r *Reporter) receptionReport(st rtp.ReceiverStats) (rtcp.ReceptionReport, bool) {
	if st.Delivered == 0 && st.Lost == 0 {
		return rtcp.ReceptionReport{}, false
	}
	prev := r.previous
	r.previous = st

	var fraction uint8
	expected := int64(st.HighestSequence) - int64(prev.HighestSequence)
	lost := int64(st.Lost) - int64(prev.Lost)
	if expected > 0 && lost > 0 {
		if lost > expected {
			lost = expected
		}
		fraction = uint8(lost * 256 / expected)
		if lost == expected {
			fraction = 0xFF
		}
	}
	total := st.Lost
	if total > 0x7FFFFF {
		total = 0x7FFFFF
	}
	return rtcp.ReceptionReport{
		SSRC:               st.SSRC,
		FractionLost:       fraction,
		TotalLost:          uint32(total),
		LastSequenceNumber: st.HighestSequence,
	}, true
}

// Halt sends BYE for the last reported source and releases the socket.
func (r *Reporter) Halt() {
	if !r.halted.SetToIf(false, true) {
		return
	}
	r.mu.Lock()
	ssrc := r.ssrc
	r.mu.Unlock()

	if ssrc != 0 && r.endpoint.RemoteAddr() != nil {
		if err := r.write(&rtcp.Goodbye{Sources: []uint32{ssrc}}); err != nil {
			r.Log().Warnf("Send BYE: %v", err)
		}
	}
	r.endpoint.Close()
}

func (r *Reporter) write(pkts ...rtcp.Packet) error {
	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return fmt.Errorf("marshal rtcp: %w", err)
	}
	if _, err := r.endpoint.Send(buf); err != nil {
		return fmt.Errorf("send rtcp: %w", err)
	}
	return nil
}

// ntpTime converts t to the 64-bit NTP timestamp format.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}
