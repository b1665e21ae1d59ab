package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/media"
	"github.com/cloudwebrtc/go-rtp-media/pkg/report"
	"github.com/cloudwebrtc/go-rtp-media/pkg/rtp"
	"github.com/cloudwebrtc/go-rtp-media/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/tevino/abool"
)

var ErrNoDirection = errors.New("session: negotiated direction moves no media")

// Options binds a session to the device layer and its listeners. Every field
// is optional; a sending session without a Source reports the failure to
// OnSenderTerminated and runs receive-only.
type Options struct {
	Source       io.Reader
	Sink         io.Writer
	InputDevice  media.Device
	OutputDevice media.Device

	OnSenderTerminated   func(err error)
	OnReceiverTerminated func(err error)
	OnAddressChanged     func(addr *net.UDPAddr)
}

// Stats is a snapshot of both directions of a session.
type Stats struct {
	ID         string
	LocalAddr  *net.UDPAddr
	RemoteAddr *net.UDPAddr
	Sending    bool
	SSRC       uint32
	Packets    uint32
	Octets     uint32
	Timestamp  uint32
	Adjustment time.Duration
	Receiving  bool
	Received   rtp.ReceiverStats
}

// Session wires one shared endpoint to the pipelines a negotiated direction
// needs. It runs no loop of its own.
type Session struct {
	id     string
	flow   media.FlowSpec
	spec   media.MediaSpec
	cfg    media.Config
	params Params
	opts   Options

	mu       sync.Mutex
	endpoint *rtp.Endpoint
	sender   *rtp.Sender
	receiver *rtp.Receiver
	reporter *report.Reporter
	sending  bool
	receives bool

	started *abool.AtomicBool
	halted  *abool.AtomicBool
	logger  log.Logger
}

// New derives the engine configuration. Nothing is opened until Start.
func New(flow media.FlowSpec, spec media.MediaSpec, cfg media.Config, opts Options) (*Session, error) {
	if !flow.Direction.Sends() && !flow.Direction.Receives() {
		return nil, fmt.Errorf("%w: %q", ErrNoDirection, flow.Direction)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	params, err := Derive(spec, cfg)
	if err != nil {
		return nil, fmt.Errorf("derive media: %w", err)
	}

	id := uuid.New().String()
	s := &Session{
		id:      id,
		flow:    flow,
		spec:    spec.WithDefaults(),
		cfg:     cfg,
		params:  params,
		opts:    opts,
		started: abool.New(),
		halted:  abool.New(),
		logger:  utils.NewLogrusLogger(utils.DefaultLogLevel, "Session", log.Fields{"id": id}),
	}
	s.Log().Infof("New session %v, %v", flow, params.Codec)
	return s, nil
}

func (s *Session) Log() log.Logger {
	return s.logger
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Params() Params {
	return s.params
}

func (s *Session) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return nil
	}
	return s.endpoint.LocalAddr()
}

// Start opens the endpoint, then constructs and starts the sender and the
// receiver the direction asks for. A failing direction is reported to its
// listener and left un-started; only a failure to open the endpoint, which
// takes both directions down, is returned.
func (s *Session) Start() error {
	if !s.started.SetToIf(false, true) {
		return fmt.Errorf("session already started")
	}
	sendErr, recvErr, err := s.start()
	if err != nil {
		sendErr, recvErr = err, err
	}
	if sendErr != nil && s.flow.Direction.Sends() {
		notify(s.opts.OnSenderTerminated, sendErr)
	}
	if recvErr != nil && s.flow.Direction.Receives() {
		notify(s.opts.OnReceiverTerminated, recvErr)
	}
	return err
}

func (s *Session) start() (sendErr, recvErr, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, err := rtp.Listen(s.cfg.BindAddress, s.flow.LocalPort, s.cfg.PortMin, s.cfg.PortMax)
	if err != nil {
		s.Log().Errorf("Open endpoint: %v", err)
		return nil, nil, err
	}
	s.endpoint = ep

	if raddr, err := utils.JoinHostPort(s.flow.RemoteAddress, s.flow.RemotePort); err == nil {
		ep.SetRemoteAddr(raddr)
	} else {
		s.Log().Warnf("No usable remote address %s:%d: %v", s.flow.RemoteAddress, s.flow.RemotePort, err)
	}

	if s.flow.Direction.Sends() {
		if s.sender, sendErr = rtp.NewSender(ep, s.opts.Source, s.params.Sender, s.cfg); sendErr == nil {
			s.sender.OnTerminated(s.opts.OnSenderTerminated)
		} else {
			s.Log().Errorf("Construct sender: %v", sendErr)
		}
	}
	if s.flow.Direction.Receives() {
		if s.receiver, recvErr = rtp.NewReceiver(ep, s.opts.Sink, s.params.Receiver, s.cfg); recvErr == nil {
			s.receiver.OnTerminated(s.opts.OnReceiverTerminated)
			s.receiver.OnAddressChanged(s.addressChanged)
		} else {
			s.Log().Errorf("Construct receiver: %v", recvErr)
		}
	}
	if s.cfg.RTCP && s.sender != nil {
		s.attachReporter()
	}

	if s.sender != nil {
		if sendErr = startDevice(s.opts.InputDevice); sendErr != nil {
			s.Log().Errorf("Start input device: %v", sendErr)
		} else if sendErr = s.sender.Start(); sendErr == nil {
			s.sending = true
		}
		if !s.sending {
			s.sender = nil
		}
	}
	if s.receiver != nil {
		if recvErr = startDevice(s.opts.OutputDevice); recvErr != nil {
			s.Log().Errorf("Start output device: %v", recvErr)
		} else if recvErr = s.receiver.Start(); recvErr == nil {
			s.receives = true
		}
		if !s.receives {
			s.receiver = nil
		}
	}
	s.Log().Infof("Started on %v, sending %v, receiving %v", ep.LocalAddr(), s.sending, s.receives)
	return sendErr, recvErr, nil
}

func (s *Session) attachReporter() {
	rep, err := report.New(s.cfg.BindAddress, s.endpoint.LocalAddr().Port, "")
	if err != nil {
		s.Log().Warnf("RTCP disabled: %v", err)
		return
	}
	rep.SetRemoteAddr(s.endpoint.RemoteAddr())
	if s.receiver != nil {
		rep.SetReceiver(s.receiver.Stats)
	}
	s.sender.OnReport(func(snd *rtp.Sender) {
		if err := rep.Report(snd); err != nil {
			s.Log().Debugf("Report: %v", err)
		}
	})
	s.reporter = rep
}

// addressChanged runs on the receiver goroutine.
func (s *Session) addressChanged(addr *net.UDPAddr) {
	if s.cfg.Symmetric {
		s.Log().Infof("Symmetric rtp, send to %v", addr)
		s.endpoint.SetRemoteAddr(addr)
		if s.reporter != nil {
			s.reporter.SetRemoteAddr(addr)
		}
	}
	if s.opts.OnAddressChanged != nil {
		s.opts.OnAddressChanged(addr)
	}
}

// SetAdjustment changes the per packet sync adjustment of a running sender.
func (s *Session) SetAdjustment(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		return fmt.Errorf("session is not sending")
	}
	s.sender.Schedule().SetAdjustment(d)
	return nil
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ID: s.id}
	if s.endpoint != nil {
		st.LocalAddr = s.endpoint.LocalAddr()
		st.RemoteAddr = s.endpoint.RemoteAddr()
	}
	if s.sender != nil {
		st.Sending = s.sending
		st.SSRC = s.sender.SSRC()
		st.Packets = s.sender.PacketCount()
		st.Octets = s.sender.OctetCount()
		st.Timestamp = s.sender.Timestamp()
		st.Adjustment = s.sender.Schedule().Adjustment()
	}
	if s.receiver != nil {
		st.Receiving = s.receives
		st.Received = s.receiver.Stats()
	}
	return st
}

// Halt tears the session down: sender, input device, receiver, output
// device, then after one receive timeout the endpoint and the reporter. The
// sender gets up to one receive timeout to finish before the endpoint
// closes. Halt blocks for these waits and is idempotent.
func (s *Session) Halt() {
	if !s.halted.SetToIf(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Log().Infof("Halt session")

	sender := s.sender
	if sender != nil {
		sender.Halt()
		s.sender = nil
	}
	if s.sending {
		stopDevice(s.opts.InputDevice, s.Log())
	}
	// a send in flight must not hit the closed endpoint
	if sender != nil {
		select {
		case <-sender.Done():
		case <-time.After(s.cfg.ReceiveTimeout):
			s.Log().Warnf("Sender still busy after %v", s.cfg.ReceiveTimeout)
		}
	}
	hadReceiver := s.receiver != nil
	if hadReceiver {
		s.receiver.Halt()
		s.receiver = nil
	}
	if s.receives {
		stopDevice(s.opts.OutputDevice, s.Log())
	}
	if hadReceiver {
		time.Sleep(s.cfg.ReceiveTimeout)
	}
	if s.endpoint != nil {
		s.endpoint.Close()
	}
	if s.reporter != nil {
		s.reporter.Halt()
	}
	s.sending = false
	s.receives = false
}

func notify(handler func(err error), err error) {
	if handler != nil {
		handler(err)
	}
}

func startDevice(d media.Device) error {
	if d == nil {
		return nil
	}
	return d.Start()
}

func stopDevice(d media.Device, logger log.Logger) {
	if d == nil {
		return
	}
	if err := d.Stop(); err != nil {
		logger.Warnf("Stop device: %v", err)
	}
}
