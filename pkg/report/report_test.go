package report

import (
	"net"
	"testing"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/rtp"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderState struct {
	ssrc, ts, packets, octets uint32
}

func (s senderState) SSRC() uint32        { return s.ssrc }
func (s senderState) Timestamp() uint32   { return s.ts }
func (s senderState) PacketCount() uint32 { return s.packets }
func (s senderState) OctetCount() uint32  { return s.octets }

// peer listens where the reporter will send, given an RTP port one below.
func peer(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	laddr := conn.LocalAddr().(*net.UDPAddr)
	return conn, &net.UDPAddr{IP: laddr.IP, Port: laddr.Port - 1}
}

func readRTCP(t *testing.T, conn *net.UDPConn) []rtcp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	return pkts
}

func TestReporterSenderReport(t *testing.T) {
	conn, rtpAddr := peer(t)
	r, err := New("127.0.0.1", 0, "alice@example.com")
	require.NoError(t, err)
	defer r.Halt()
	r.SetRemoteAddr(rtpAddr)

	before := ntpTime(time.Now())
	require.NoError(t, r.Report(senderState{ssrc: 0xCAFE, ts: 1234, packets: 50, octets: 8000}))

	pkts := readRTCP(t, conn)
	require.Len(t, pkts, 2)
	sr, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFE), sr.SSRC)
	assert.Equal(t, uint32(1234), sr.RTPTime)
	assert.Equal(t, uint32(50), sr.PacketCount)
	assert.Equal(t, uint32(8000), sr.OctetCount)
	assert.GreaterOrEqual(t, sr.NTPTime, before)
	assert.Empty(t, sr.Reports)

	sdes, ok := pkts[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Len(t, sdes.Chunks, 1)
	assert.Equal(t, uint32(0xCAFE), sdes.Chunks[0].Source)
	assert.Equal(t, "alice@example.com", sdes.Chunks[0].Items[0].Text)
}

func TestReporterReceptionBlock(t *testing.T) {
	conn, rtpAddr := peer(t)
	r, err := New("127.0.0.1", 0, "")
	require.NoError(t, err)
	defer r.Halt()
	assert.NotEmpty(t, r.CNAME())
	r.SetRemoteAddr(rtpAddr)

	stats := rtp.ReceiverStats{SSRC: 77, Delivered: 90, Lost: 10, HighestSequence: 1<<16 | 100}
	r.SetReceiver(func() rtp.ReceiverStats { return stats })

	require.NoError(t, r.Report(senderState{ssrc: 1}))
	sr := readRTCP(t, conn)[0].(*rtcp.SenderReport)
	require.Len(t, sr.Reports, 1)
	rr := sr.Reports[0]
	assert.Equal(t, uint32(77), rr.SSRC)
	assert.Equal(t, uint32(10), rr.TotalLost)
	assert.Equal(t, uint32(1<<16|100), rr.LastSequenceNumber)

	// 64 more expected, 16 of them lost
	stats.Delivered += 48
	stats.Lost += 16
	stats.HighestSequence += 64
	require.NoError(t, r.Report(senderState{ssrc: 1}))
	sr = readRTCP(t, conn)[0].(*rtcp.SenderReport)
	require.Len(t, sr.Reports, 1)
	assert.Equal(t, uint8(64), sr.Reports[0].FractionLost)
}

func TestReporterHaltSendsBye(t *testing.T) {
	conn, rtpAddr := peer(t)
	r, err := New("127.0.0.1", 0, "")
	require.NoError(t, err)
	r.SetRemoteAddr(rtpAddr)

	require.NoError(t, r.Report(senderState{ssrc: 9}))
	readRTCP(t, conn)

	r.Halt()
	r.Halt()
	pkts := readRTCP(t, conn)
	require.Len(t, pkts, 1)
	bye, ok := pkts[0].(*rtcp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, []uint32{9}, bye.Sources)

	assert.NoError(t, r.Report(senderState{ssrc: 9}))
}

func TestReporterBindsNextPort(t *testing.T) {
	ep, err := rtp.Listen("127.0.0.1", 0, rtp.DefaultPortMin, rtp.DefaultPortMax)
	require.NoError(t, err)
	defer ep.Close()

	r, err := New("127.0.0.1", ep.LocalAddr().Port, "")
	require.NoError(t, err)
	defer r.Halt()
	assert.NotZero(t, r.LocalAddr().Port)
}

func TestNTPTime(t *testing.T) {
	ts := time.Unix(0, 0).Add(500 * time.Millisecond)
	ntp := ntpTime(ts)
	assert.Equal(t, uint64(2208988800), ntp>>32)
	assert.Equal(t, uint64(1)<<31, ntp&0xFFFFFFFF)
}
