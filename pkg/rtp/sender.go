package rtp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/cloudwebrtc/go-rtp-media/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	pionrtp "github.com/pion/rtp"
	"github.com/tevino/abool"
)

// SenderParams are the codec dependent inputs of a Sender.
type SenderParams struct {
	PayloadType uint8
	// PayloadSize is the number of source bytes read per packet.
	PayloadSize int
	PacketTime  time.Duration
	// Channels is carried for reporting; PayloadSize already spans every
	// channel, so pacing does not divide by it.
	Channels int
	// SamplesPerPacket is the RTP timestamp advance of a full read.
	SamplesPerPacket uint32
	Formatter        media.Formatter
	Transcoder       media.Transcoder
}

func (p SenderParams) validate() error {
	if p.PayloadSize <= 0 {
		return fmt.Errorf("payload size must be positive: %d", p.PayloadSize)
	}
	if p.PacketTime <= 0 {
		return fmt.Errorf("packet time must be positive: %v", p.PacketTime)
	}
	if p.Channels <= 0 {
		return fmt.Errorf("channels must be positive: %d", p.Channels)
	}
	if _, framed := p.Formatter.(media.Framer); framed && p.SamplesPerPacket == 0 {
		return fmt.Errorf("framed format %s needs samples per packet", p.Formatter.Name())
	}
	if p.PayloadType > 0x7F {
		return fmt.Errorf("payload type out of range: %d", p.PayloadType)
	}
	return nil
}

// Sender reads frames from a source and emits them as RTP packets paced to
// the wall clock until the source ends, an I/O error occurs or Halt is
// called.
type Sender struct {
	params    SenderParams
	cfg       media.Config
	transport PacketWriter
	source    io.Reader
	seq       *Sequencer
	schedule  *Schedule

	packets utils.AtomicUInt32
	octets  utils.AtomicUInt32

	started  *abool.AtomicBool
	halted   *abool.AtomicBool
	haltCh   chan struct{}
	haltOnce sync.Once
	termOnce sync.Once
	done     chan struct{}

	mu           sync.RWMutex
	onTerminated func(err error)
	onReport     func(s *Sender)

	logger log.Logger
}

func NewSender(transport PacketWriter, source io.Reader, params SenderParams, cfg media.Config) (*Sender, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()

	id := RandomIdentity()
	if cfg.Identity != nil {
		id = *cfg.Identity
	}

	s := &Sender{
		params:    params,
		cfg:       cfg,
		transport: transport,
		source:    source,
		seq:       NewSequencer(id),
		schedule:  NewSchedule(params.PacketTime, cfg.SyncAdjustment, cfg.MinPeriodDivisor),
		started:   abool.New(),
		halted:    abool.New(),
		haltCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Sender", log.Fields{"ssrc": id.SSRC})
	return s, nil
}

func (s *Sender) Log() log.Logger {
	return s.logger
}

// OnTerminated registers the listener fired exactly once, from the sender
// goroutine, when the loop ends. err is nil on end of stream or halt.
func (s *Sender) OnTerminated(handler func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminated = handler
}

// OnReport registers the callback fired every report interval from the
// sender goroutine.
func (s *Sender) OnReport(handler func(s *Sender)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReport = handler
}

func (s *Sender) Start() error {
	if !s.started.SetToIf(false, true) {
		return fmt.Errorf("sender already started")
	}
	s.Log().Infof("Start: pt %d, payload %d bytes, ptime %v, channels %d", s.params.PayloadType, s.params.PayloadSize, s.params.PacketTime, s.params.Channels)
	go s.run()
	return nil
}

// Halt requests termination. It is idempotent and safe from any goroutine.
// A sender blocked in its source returns only once the read does.
func (s *Sender) Halt() {
	s.halted.Set()
	s.haltOnce.Do(func() {
		close(s.haltCh)
	})
}

// Done is closed after the termination listener returned.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

func (s *Sender) SSRC() uint32 {
	return s.seq.SSRC()
}

func (s *Sender) Timestamp() uint32 {
	return s.seq.Timestamp()
}

func (s *Sender) PacketCount() uint32 {
	return s.packets.Get()
}

func (s *Sender) OctetCount() uint32 {
	return s.octets.Get()
}

func (s *Sender) Schedule() *Schedule {
	return s.schedule
}

func (s *Sender) run() {
	err := s.loop()
	s.terminate(err)
}

func (s *Sender) loop() error {
	p := s.params
	buf := make([]byte, p.PayloadSize)
	pkt := &pionrtp.Packet{Header: pionrtp.Header{Version: 2, PayloadType: p.PayloadType}}

	start := time.Now()
	nextReport := start.Add(s.cfg.ReportInterval)
	var elapsed, adjust time.Duration
	var pending int
	marker := true

	for {
		if s.halted.IsSet() {
			return nil
		}
		if now := time.Now(); !now.Before(nextReport) {
			s.report()
			nextReport = nextReport.Add(s.cfg.ReportInterval)
		}

		n, rerr := s.source.Read(buf[pending:])
		if s.halted.IsSet() {
			s.Log().Debugf("Halted during read, dropping %d bytes", pending+n)
			return nil
		}

		frame, units, span, rest := s.split(buf[:pending+n])
		if len(frame) > 0 {
			sent, err := s.send(pkt, frame, marker)
			if err != nil {
				if s.halted.IsSet() {
					s.Log().Debugf("Halted during send: %v", err)
					return nil
				}
				return err
			}
			if sent {
				marker = false
			}
			elapsed += span
			s.seq.AdvanceTimestamp(units)
			adjust += s.schedule.Adjustment()
		}
		pending = copy(buf, rest)
		if pending == len(buf) {
			s.Log().Warnf("No whole frame in %d bytes, drop them", pending)
			pending = 0
		}

		if rerr == io.EOF {
			if pending > 0 {
				s.Log().Debugf("Dropping %d bytes of a partial frame", pending)
			}
			s.Log().Infof("Source exhausted after %d packets", s.packets.Get())
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read source: %w", rerr)
		}

		// the rest of a partial frame is read without pacing
		if n > 0 && len(frame) == 0 && pending > 0 {
			continue
		}
		if s.cfg.SelfPaced {
			if !s.wait(s.schedule.Delay(start, time.Now(), elapsed, adjust)) {
				return nil
			}
		}
	}
}

// split cuts the packet to send off the head of buf and reports its
// timestamp span and duration. Payload size and samples per packet both
// count all channels. Framed formats only send whole frames; the partial
// frame behind them is returned as rest.
func (s *Sender) split(buf []byte) (frame []byte, units uint32, span time.Duration, rest []byte) {
	p := s.params
	framer, ok := p.Formatter.(media.Framer)
	if !ok {
		n := len(buf)
		units = uint32(uint64(p.SamplesPerPacket) * uint64(n) / uint64(p.PayloadSize))
		return buf, units, p.PacketTime * time.Duration(n) / time.Duration(p.PayloadSize), nil
	}

	used, units, err := framer.Split(buf, p.SamplesPerPacket)
	span = p.PacketTime * time.Duration(units) / time.Duration(p.SamplesPerPacket)
	if err != nil {
		s.Log().Warnf("Split %s: %v, drop %d bytes", p.Formatter.Name(), err, len(buf)-used)
		return buf[:used], units, span, nil
	}
	return buf[:used], units, span, buf[used:]
}

// send formats, transcodes, stamps and writes one frame. sent is false when
// the frame was dropped without being an error of the pipeline.
func (s *Sender) send(pkt *pionrtp.Packet, frame []byte, marker bool) (sent bool, err error) {
	payload := frame
	if f := s.params.Formatter; f != nil {
		if payload, err = f.Format(payload); err != nil {
			s.Log().Warnf("Format %s: %v, drop frame", f.Name(), err)
			return false, nil
		}
	}
	if tc := s.params.Transcoder; tc != nil {
		if payload, err = tc.Encode(payload); err != nil {
			s.Log().Warnf("Encode %s: %v, drop frame", tc.Name(), err)
			return false, nil
		}
	}

	s.seq.Stamp(&pkt.Header)
	pkt.Marker = marker
	pkt.Payload = payload

	raw, err := pkt.Marshal()
	if err != nil {
		return false, fmt.Errorf("marshal rtp: %w", err)
	}
	if _, err := s.transport.Send(raw); err != nil {
		if errors.Is(err, ErrNoRemote) {
			s.Log().Debugf("No remote address yet, drop seq %d", pkt.SequenceNumber)
			return false, nil
		}
		return false, fmt.Errorf("send rtp: %w", err)
	}

	s.Log().Tracef("Sent seq %d, ts %d, %d bytes", pkt.SequenceNumber, pkt.Timestamp, len(payload))
	s.seq.NextSequence()
	s.packets.Incr()
	s.octets.Add(uint32(len(payload)))
	return true, nil
}

// wait sleeps for d and reports false when Halt interrupted it.
func (s *Sender) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.haltCh:
		return false
	}
}

func (s *Sender) report() {
	s.mu.RLock()
	handler := s.onReport
	s.mu.RUnlock()
	if handler != nil {
		handler(s)
	}
}

func (s *Sender) terminate(err error) {
	s.termOnce.Do(func() {
		s.halted.Set()
		s.source = nil
		if err != nil {
			s.Log().Warnf("Terminated: %v", err)
		} else {
			s.Log().Infof("Terminated: %d packets, %d octets", s.packets.Get(), s.octets.Get())
		}

		s.mu.RLock()
		handler := s.onTerminated
		s.mu.RUnlock()
		if handler != nil {
			handler(err)
		}
		close(s.done)
	})
}
