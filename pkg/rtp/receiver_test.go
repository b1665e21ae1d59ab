package rtp

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 4000}
	peerB = &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 31000}
)

func receiverConfig() media.Config {
	cfg := media.DefaultConfig()
	cfg.EarlyDropWindow = -1
	cfg.ReceiveTimeout = 20 * time.Millisecond
	return cfg
}

func startReceiver(t *testing.T, tr *fakeTransport, sink *recordingSink, params ReceiverParams, cfg media.Config) (*Receiver, *terminations) {
	t.Helper()
	r, err := NewReceiver(tr, sink, params, cfg)
	require.NoError(t, err)
	term := &terminations{}
	r.OnTerminated(term.record)
	require.NoError(t, r.Start())
	t.Cleanup(func() {
		r.Halt()
		<-r.Done()
	})
	return r, term
}

func waitReceived(t *testing.T, r *Receiver, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Stats().Received >= n }, time.Second, 2*time.Millisecond)
}

func TestReceiverSequenceAdmission(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	r, _ := startReceiver(t, tr, sink, ReceiverParams{SamplesPerPacket: 160}, cfg)

	for _, seq := range []uint16{10, 11, 11, 13, 12, 14} {
		tr.push(peerA, seq, uint32(seq)*160, 1, []byte{byte(seq)})
	}
	waitReceived(t, r, 6)

	assert.Equal(t, [][]byte{{10}, {11}, {13}, {14}}, sink.Frames())
	st := r.Stats()
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(1), st.Late)
	assert.Equal(t, uint64(1), st.Lost)
	assert.Equal(t, uint64(4), st.Delivered)
	assert.Equal(t, uint32(14), st.HighestSequence)
}

func TestReceiverReplayedDatagramDeliveredOnce(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

	tr.push(peerA, 500, 0, 1, []byte("frame"))
	tr.push(peerA, 500, 0, 1, []byte("frame"))
	waitReceived(t, r, 2)

	assert.Equal(t, [][]byte{[]byte("frame")}, sink.Frames())
}

func TestReceiverSequenceWraparound(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

	for _, seq := range []uint16{65534, 65535, 0, 1, 65535} {
		tr.push(peerA, seq, 0, 1, []byte{byte(seq)})
	}
	waitReceived(t, r, 5)

	assert.Equal(t, [][]byte{{0xFE}, {0xFF}, {0x00}, {0x01}}, sink.Frames())
	st := r.Stats()
	assert.Equal(t, uint64(1), st.Late)
	assert.Equal(t, uint32(1<<16|1), st.HighestSequence)
}

func TestReceiverWrapCountWithoutSequenceCheck(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = false
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

	for _, seq := range []uint16{65534, 65535, 0, 1, 65535} {
		tr.push(peerA, seq, 0, 1, []byte{byte(seq)})
	}
	waitReceived(t, r, 5)

	assert.Len(t, sink.Frames(), 5)
	assert.Equal(t, uint32(1<<16|1), r.Stats().HighestSequence)
}

func TestReceiverThinning(t *testing.T) {
	tests := []struct {
		name      string
		divisor   int
		delivered []byte
	}{
		{"off", 0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"every third", 3, []byte{1, 2, 4, 5, 7, 8}},
		{"every second", 2, []byte{1, 3, 5, 7, 9}},
		{"every packet", 1, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			sink := &recordingSink{}
			cfg := receiverConfig()
			cfg.ThinningDivisor = tt.divisor
			r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

			for seq := uint16(1); seq <= 9; seq++ {
				tr.push(peerA, seq, 0, 1, []byte{byte(seq)})
			}
			waitReceived(t, r, 9)

			assert.Equal(t, tt.delivered, sink.Bytes())
			assert.Equal(t, uint64(9-len(tt.delivered)), r.Stats().Thinned)
		})
	}
}

func TestReceiverThinningCountsOnlyAdmitted(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	cfg.ThinningDivisor = 2
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

	// duplicates never reach the thinning stage
	for _, seq := range []uint16{1, 1, 2, 2, 3, 4} {
		tr.push(peerA, seq, 0, 1, []byte{byte(seq)})
	}
	waitReceived(t, r, 6)

	assert.Equal(t, []byte{1, 3}, sink.Bytes())
}

func TestReceiverDisabledWindowSurvivesNormalize(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig().Normalize()
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

	tr.push(peerA, 1, 0, 1, []byte{1})
	waitReceived(t, r, 1)
	assert.Equal(t, []byte{1}, sink.Bytes())
	assert.Zero(t, r.Stats().Early)
}

func TestReceiverEarlyDropWindow(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.EarlyDropWindow = 150 * time.Millisecond
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)
	started := time.Now()

	for seq := uint16(1); seq <= 3; seq++ {
		tr.push(peerA, seq, 0, 1, []byte{byte(seq)})
	}
	waitReceived(t, r, 3)
	assert.Empty(t, sink.Frames())
	assert.Equal(t, uint64(3), r.Stats().Early)

	time.Sleep(150*time.Millisecond - time.Since(started) + 10*time.Millisecond)
	tr.push(peerA, 4, 0, 1, []byte{4})
	waitReceived(t, r, 4)
	assert.Equal(t, []byte{4}, sink.Bytes())
}

func TestReceiverSSRCLock(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSSRC = true
	r, _ := startReceiver(t, tr, sink, ReceiverParams{}, cfg)

	tr.push(peerA, 1, 0, 0xAAAA, []byte{1})
	tr.push(peerA, 2, 0, 0xBBBB, []byte{2})
	tr.push(peerA, 3, 0, 0xAAAA, []byte{3})
	waitReceived(t, r, 3)

	assert.Equal(t, []byte{1, 3}, sink.Bytes())
	assert.Equal(t, uint64(1), r.Stats().ForeignSSRC)
	assert.Equal(t, uint32(0xAAAA), r.Stats().SSRC)
}

func TestReceiverSilenceSynthesis(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	cfg.SynthesizeSilence = true
	params := ReceiverParams{ClockRate: 8000, SamplesPerPacket: 4, Formatter: silenceFormatter{}}
	r, _ := startReceiver(t, tr, sink, params, cfg)

	tr.push(peerA, 1, 0, 1, []byte{1, 1, 1, 1})
	tr.push(peerA, 2, 4, 1, []byte{2, 2, 2, 2})
	// seq 3 and 4 lost
	tr.push(peerA, 5, 16, 1, []byte{5, 5, 5, 5})
	waitReceived(t, r, 3)

	assert.Equal(t, [][]byte{
		{1, 1, 1, 1},
		{2, 2, 2, 2},
		bytes.Repeat([]byte{0xFF}, 8),
		{5, 5, 5, 5},
	}, sink.Frames())
	assert.Equal(t, uint64(8), r.Stats().SilenceUnits)
	assert.Equal(t, uint64(2), r.Stats().Lost)
}

func TestReceiverSilenceAcrossTimestampWrap(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	cfg.SynthesizeSilence = true
	params := ReceiverParams{ClockRate: 8000, SamplesPerPacket: 4, Formatter: silenceFormatter{}}
	r, _ := startReceiver(t, tr, sink, params, cfg)

	tr.push(peerA, 1, 0xFFFFFFFC, 1, []byte{1})
	tr.push(peerA, 3, 4, 1, []byte{3})
	waitReceived(t, r, 2)

	assert.Equal(t, [][]byte{{1}, bytes.Repeat([]byte{0xFF}, 4), {3}}, sink.Frames())
}

func TestReceiverSilenceCapped(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.CheckSequence = true
	cfg.SynthesizeSilence = true
	cfg.MaxSilence = 10 * time.Millisecond
	params := ReceiverParams{ClockRate: 8000, SamplesPerPacket: 160, Formatter: silenceFormatter{}}
	r, _ := startReceiver(t, tr, sink, params, cfg)

	tr.push(peerA, 1, 0, 1, []byte{1})
	tr.push(peerA, 2, 80000, 1, []byte{2})
	waitReceived(t, r, 2)

	frames := sink.Frames()
	require.Len(t, frames, 3)
	assert.Len(t, frames[1], 80)
}

func TestReceiverStripsFormatter(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	r, _ := startReceiver(t, tr, sink, ReceiverParams{Formatter: framingFormatter{}}, receiverConfig())

	tr.push(peerA, 1, 0, 1, []byte{0xF0, 'a', 'b'})
	tr.push(peerA, 2, 0, 1, nil)
	tr.push(peerA, 3, 0, 1, []byte{0xF0, 'c'})
	waitReceived(t, r, 3)

	assert.Equal(t, [][]byte{[]byte("ab"), []byte("c")}, sink.Frames())
	assert.Equal(t, uint64(1), r.Stats().Malformed)
}

func TestReceiverAddressLearning(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	cfg := receiverConfig()
	cfg.EarlyDropWindow = time.Hour

	r, err := NewReceiver(tr, sink, ReceiverParams{}, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var changes []*net.UDPAddr
	r.OnAddressChanged(func(addr *net.UDPAddr) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, addr)
	})
	require.NoError(t, r.Start())
	defer func() {
		r.Halt()
		<-r.Done()
	}()

	tr.push(peerA, 1, 0, 1, nil)
	tr.push(peerB, 2, 0, 1, nil)
	tr.push(peerB, 3, 0, 1, nil)
	tr.push(peerA, 4, 0, 1, nil)
	tr.in <- datagram{data: []byte{0x00}, addr: peerA}
	waitReceived(t, r, 5)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].IP.Equal(peerB.IP))
	assert.Equal(t, peerB.Port, changes[0].Port)
	assert.Equal(t, peerA.Port, changes[1].Port)
	// nothing was admitted inside the window, learning still happened
	assert.Empty(t, sink.Frames())
}

func TestReceiverSinkErrorIsFatal(t *testing.T) {
	tr := newFakeTransport()
	boom := errors.New("speaker gone")
	sink := &recordingSink{err: boom}
	r, term := startReceiver(t, tr, sink, ReceiverParams{}, receiverConfig())

	tr.push(peerA, 1, 0, 1, []byte{1})
	require.True(t, waitDone(r.Done(), time.Second))

	errs := term.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestReceiverReceiveErrorIsFatal(t *testing.T) {
	tr := newFakeTransport()
	r, term := startReceiver(t, tr, &recordingSink{}, ReceiverParams{}, receiverConfig())

	// idle timeouts are retried silently
	time.Sleep(60 * time.Millisecond)
	select {
	case <-r.Done():
		t.Fatal("receiver stopped on idle timeout")
	default:
	}

	tr.recvErr <- ErrEndpointClosed
	require.True(t, waitDone(r.Done(), time.Second))
	errs := term.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrEndpointClosed)
}

func TestReceiverHaltWithinTimeout(t *testing.T) {
	tr := newFakeTransport()
	cfg := receiverConfig()
	cfg.ReceiveTimeout = 50 * time.Millisecond
	r, term := startReceiver(t, tr, &recordingSink{}, ReceiverParams{}, cfg)

	time.Sleep(10 * time.Millisecond)
	r.Halt()
	require.True(t, waitDone(r.Done(), 2*cfg.ReceiveTimeout))
	assert.Equal(t, []error{nil}, term.Errors())
}

func TestNewReceiverValidation(t *testing.T) {
	cfg := receiverConfig()
	cfg.SynthesizeSilence = true
	_, err := NewReceiver(newFakeTransport(), &recordingSink{}, ReceiverParams{}, cfg)
	assert.Error(t, err)

	_, err = NewReceiver(nil, &recordingSink{}, ReceiverParams{}, receiverConfig())
	assert.Error(t, err)
	_, err = NewReceiver(newFakeTransport(), nil, ReceiverParams{}, receiverConfig())
	assert.Error(t, err)
}
