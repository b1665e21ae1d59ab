package rtp

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"
)

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// fakeTransport records sent datagrams and replays queued ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []pionrtp.Packet
	sendErr error
	remote  *net.UDPAddr
	in      chan datagram
	recvErr chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		remote:  &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 4000},
		in:      make(chan datagram, 1024),
		recvErr: make(chan error, 1),
	}
}

func (f *fakeTransport) Send(pkt []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	var p pionrtp.Packet
	if err := p.Unmarshal(append([]byte(nil), pkt...)); err != nil {
		return 0, err
	}
	f.sent = append(f.sent, p)
	return len(pkt), nil
}

func (f *fakeTransport) Sent() []pionrtp.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pionrtp.Packet(nil), f.sent...)
}

func (f *fakeTransport) Receive(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-f.in:
		return copy(buf, d.data), d.addr, nil
	case err := <-f.recvErr:
		return 0, nil, err
	case <-timer.C:
		return 0, nil, ErrReceiveTimeout
	}
}

func (f *fakeTransport) RemoteAddr() *net.UDPAddr {
	return f.remote
}

func (f *fakeTransport) push(addr *net.UDPAddr, seq uint16, ts uint32, ssrc uint32, payload []byte) {
	raw, err := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}.Marshal()
	if err != nil {
		panic(err)
	}
	f.in <- datagram{data: raw, addr: addr}
}

// frameSource yields count frames of size bytes, then io.EOF.
type frameSource struct {
	mu    sync.Mutex
	size  int
	count int
	reads int
}

func (s *frameSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= 0 && s.reads >= s.count {
		return 0, io.EOF
	}
	n := s.size
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = byte(s.reads)
	}
	s.reads++
	return n, nil
}

// gateSource blocks every read until release is signalled.
type gateSource struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateSource) Read(p []byte) (int, error) {
	s.entered <- struct{}{}
	<-s.release
	return len(p), nil
}

type errSource struct {
	err error
}

func (s errSource) Read(p []byte) (int, error) {
	return 0, s.err
}

// recordingSink keeps every write as a separate frame.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.frames = append(s.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (s *recordingSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *recordingSink) Bytes() []byte {
	return bytes.Join(s.Frames(), nil)
}

// terminations counts listener invocations.
type terminations struct {
	mu   sync.Mutex
	errs []error
}

func (t *terminations) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *terminations) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}

// silenceFormatter is a passthrough formatter that fills gaps with 0xFF.
type silenceFormatter struct{}

func (silenceFormatter) Name() string                            { return "silence" }
func (silenceFormatter) Format(frame []byte) ([]byte, error)     { return frame, nil }
func (silenceFormatter) Unformat(payload []byte) ([]byte, error) { return payload, nil }
func (silenceFormatter) Silence(units int) []byte                { return bytes.Repeat([]byte{0xFF}, units) }

// framingFormatter prefixes every frame with a one byte header.
type framingFormatter struct{}

func (framingFormatter) Name() string { return "framing" }
func (framingFormatter) Format(frame []byte) ([]byte, error) {
	return append([]byte{0xF0}, frame...), nil
}
func (framingFormatter) Unformat(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return payload[1:], nil
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
