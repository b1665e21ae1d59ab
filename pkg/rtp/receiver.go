package rtp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/cloudwebrtc/go-rtp-media/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	pionrtp "github.com/pion/rtp"
	"github.com/tevino/abool"
)

// ReceiverParams are the codec dependent inputs of a Receiver.
type ReceiverParams struct {
	ClockRate int
	// SamplesPerPacket is the timestamp span of one regular packet; only
	// the part of a gap beyond it is filled with silence.
	SamplesPerPacket uint32
	Formatter        media.Formatter
	Transcoder       media.Transcoder
}

// ReceiverStats is a snapshot of the receive counters.
type ReceiverStats struct {
	Received     uint64
	Delivered    uint64
	Early        uint64
	Malformed    uint64
	ForeignSSRC  uint64
	Duplicates   uint64
	Late         uint64
	Thinned      uint64
	Lost         uint64
	SilenceUnits uint64
	SSRC         uint32
	// HighestSequence carries the wrap count in its high 16 bits.
	HighestSequence uint32
}

type receiverCounters struct {
	received, delivered, early, malformed, foreign utils.AtomicUInt64
	duplicates, late, thinned, lost, silence       utils.AtomicUInt64
	ssrc, highest                                  utils.AtomicUInt32
}

// Receiver pulls datagrams from the shared endpoint, runs them through
// admission control and writes the recovered frames to a sink. It also
// tracks the address the peer actually sends from.
type Receiver struct {
	params    ReceiverParams
	cfg       media.Config
	transport PacketReader
	sink      io.Writer

	peer  *net.UDPAddr
	stats receiverCounters

	started  *abool.AtomicBool
	halted   *abool.AtomicBool
	termOnce sync.Once
	done     chan struct{}

	mu               sync.RWMutex
	onTerminated     func(err error)
	onAddressChanged func(addr *net.UDPAddr)

	logger log.Logger
}

func NewReceiver(transport PacketReader, sink io.Writer, params ReceiverParams, cfg media.Config) (*Receiver, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	if params.ClockRate <= 0 {
		params.ClockRate = media.DefaultSampleRate
	}

	return &Receiver{
		params:    params,
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		started:   abool.New(),
		halted:    abool.New(),
		done:      make(chan struct{}),
		logger:    utils.NewLogrusLogger(utils.DefaultLogLevel, "Receiver", nil),
	}, nil
}

func (r *Receiver) Log() log.Logger {
	return r.logger
}

// OnTerminated registers the listener fired exactly once, from the receiver
// goroutine, when the loop ends.
func (r *Receiver) OnTerminated(handler func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminated = handler
}

// OnAddressChanged registers the listener fired from the receiver goroutine
// each time datagrams start arriving from a new source address.
func (r *Receiver) OnAddressChanged(handler func(addr *net.UDPAddr)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAddressChanged = handler
}

func (r *Receiver) Start() error {
	if !r.started.SetToIf(false, true) {
		return fmt.Errorf("receiver already started")
	}
	if raddr := r.transport.RemoteAddr(); raddr != nil {
		cp := *raddr
		r.peer = &cp
	}
	r.Log().Infof("Start: window %v, timeout %v, ssrc check %v, seq check %v, silence %v, thinning %d",
		r.cfg.EarlyDropWindow, r.cfg.ReceiveTimeout, r.cfg.CheckSSRC, r.cfg.CheckSequence, r.cfg.SynthesizeSilence, r.cfg.ThinningDivisor)
	go r.run()
	return nil
}

// Halt requests termination; the loop observes it within one receive
// timeout.
func (r *Receiver) Halt() {
	r.halted.Set()
}

func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

func (r *Receiver) ReceiveTimeout() time.Duration {
	return r.cfg.ReceiveTimeout
}

func (r *Receiver) Stats() ReceiverStats {
	c := &r.stats
	return ReceiverStats{
		Received:        c.received.Get(),
		Delivered:       c.delivered.Get(),
		Early:           c.early.Get(),
		Malformed:       c.malformed.Get(),
		ForeignSSRC:     c.foreign.Get(),
		Duplicates:      c.duplicates.Get(),
		Late:            c.late.Get(),
		Thinned:         c.thinned.Get(),
		Lost:            c.lost.Get(),
		SilenceUnits:    c.silence.Get(),
		SSRC:            c.ssrc.Get(),
		HighestSequence: c.highest.Get(),
	}
}

func (r *Receiver) run() {
	err := r.loop()
	r.terminate(err)
}

func (r *Receiver) loop() error {
	buf := make([]byte, maxDatagramSize)
	adm := newAdmission(time.Now(), r.cfg.EarlyDropWindow, r.cfg.ThinningDivisor)

	for {
		if r.halted.IsSet() {
			return nil
		}
		n, raddr, err := r.transport.Receive(buf, r.cfg.ReceiveTimeout)
		if r.halted.IsSet() {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			return fmt.Errorf("receive rtp: %w", err)
		}

		werr := r.handle(adm, buf[:n])
		r.learn(raddr)
		if werr != nil {
			return werr
		}
	}
}

// handle runs one datagram through admission. Only sink errors are
// returned; every rejection is a silent discard. The datagram is counted
// once it has been fully handled.
func (r *Receiver) handle(adm *admission, datagram []byte) error {
	c := &r.stats
	defer c.received.Incr()

	if adm.early(time.Now()) {
		c.early.Incr()
		return nil
	}

	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		c.malformed.Incr()
		r.Log().Debugf("Discard malformed datagram (%d bytes): %v", len(datagram), err)
		return nil
	}
	r.Log().Tracef("Read seq %d, ts %d, ssrc %d, pt %d", pkt.SequenceNumber, pkt.Timestamp, pkt.SSRC, pkt.PayloadType)

	if r.cfg.CheckSSRC && !adm.admitSSRC(pkt.SSRC) {
		c.foreign.Incr()
		r.Log().Debugf("Discard ssrc %d, locked on %d", pkt.SSRC, adm.ssrc)
		return nil
	}
	c.ssrc.Set(pkt.SSRC)

	var gap uint32
	if r.cfg.CheckSequence {
		v, g, lost := adm.admitSequence(pkt.SequenceNumber, pkt.Timestamp)
		switch v {
		case duplicate:
			c.duplicates.Incr()
			r.Log().Debugf("Discard duplicate seq %d", pkt.SequenceNumber)
			return nil
		case late:
			c.late.Incr()
			r.Log().Debugf("Discard late seq %d, last %d", pkt.SequenceNumber, adm.lastSeq)
			return nil
		}
		gap = g
		c.lost.Add(uint64(lost))
		c.highest.Set(adm.extendedSequence())
	} else {
		c.highest.Set(adm.observe(pkt.SequenceNumber))
	}

	if r.cfg.SynthesizeSilence && r.cfg.CheckSequence && gap > 0 {
		if err := r.fillGap(gap); err != nil {
			return err
		}
	}

	payload := pkt.Payload
	if f := r.params.Formatter; f != nil {
		frame, err := f.Unformat(payload)
		if err != nil {
			c.malformed.Incr()
			r.Log().Debugf("Discard seq %d, unformat %s: %v", pkt.SequenceNumber, f.Name(), err)
			return nil
		}
		payload = frame
	}

	if adm.thin() {
		c.thinned.Incr()
		r.Log().Debugf("Thin seq %d", pkt.SequenceNumber)
		return nil
	}

	if tc := r.params.Transcoder; tc != nil {
		frame, err := tc.Decode(payload)
		if err != nil {
			c.malformed.Incr()
			r.Log().Debugf("Discard seq %d, decode %s: %v", pkt.SequenceNumber, tc.Name(), err)
			return nil
		}
		payload = frame
	}

	if err := r.write(payload); err != nil {
		return err
	}
	c.delivered.Incr()
	return nil
}

// fillGap writes silence for the part of a timestamp gap not covered by the
// previous packet, when the formatter can synthesize it.
func (r *Receiver) fillGap(gap uint32) error {
	silencer, ok := r.params.Formatter.(media.Silencer)
	if !ok {
		return nil
	}
	// a gap past half the timestamp range is a step backwards
	if int32(gap) <= 0 {
		return nil
	}
	units := int64(gap) - int64(r.params.SamplesPerPacket)
	if units <= 0 {
		return nil
	}
	if limit := int64(r.cfg.MaxSilence) * int64(r.params.ClockRate) / int64(time.Second); units > limit {
		units = limit
	}

	filler := silencer.Silence(int(units))
	if len(filler) == 0 {
		return nil
	}
	if tc := r.params.Transcoder; tc != nil {
		decoded, err := tc.Decode(filler)
		if err != nil {
			r.Log().Debugf("Decode silence: %v", err)
			return nil
		}
		filler = decoded
	}
	r.Log().Debugf("Synthesize %d units of silence", units)
	r.stats.silence.Add(uint64(units))
	return r.write(filler)
}

func (r *Receiver) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := r.sink.Write(p); err != nil {
		return fmt.Errorf("write sink: %w", err)
	}
	return nil
}

// learn remembers the source of a datagram regardless of whether its
// payload was admitted.
func (r *Receiver) learn(raddr *net.UDPAddr) {
	if raddr == nil || utils.SameUDPAddr(raddr, r.peer) {
		return
	}
	cp := *raddr
	r.Log().Infof("Peer address changed %v => %v", r.peer, &cp)
	r.peer = &cp

	r.mu.RLock()
	handler := r.onAddressChanged
	r.mu.RUnlock()
	if handler != nil {
		handler(&cp)
	}
}

func (r *Receiver) terminate(err error) {
	r.termOnce.Do(func() {
		r.halted.Set()
		if err != nil {
			r.Log().Warnf("Terminated: %v", err)
		} else {
			st := r.Stats()
			r.Log().Infof("Terminated: received %d, delivered %d, lost %d", st.Received, st.Delivered, st.Lost)
		}

		r.mu.RLock()
		handler := r.onTerminated
		r.mu.RUnlock()
		if handler != nil {
			handler(err)
		}
		close(r.done)
	})
}
