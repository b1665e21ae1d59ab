package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cloudwebrtc/go-rtp-media/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/tevino/abool"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 65530

	maxDatagramSize = 1500
)

var (
	ErrReceiveTimeout = errors.New("rtp: receive timeout")
	ErrEndpointClosed = errors.New("rtp: endpoint closed")
	ErrNoRemote       = errors.New("rtp: no remote address")
)

// PacketWriter is the send path a Sender writes datagrams to.
type PacketWriter interface {
	Send(pkt []byte) (int, error)
}

// PacketReader is the receive path a Receiver pulls datagrams from.
type PacketReader interface {
	// Receive blocks for at most timeout. A bare timeout returns
	// ErrReceiveTimeout.
	Receive(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error)
	RemoteAddr() *net.UDPAddr
}

// Endpoint is the single UDP socket shared by the sender and receiver of a
// session. Send and Receive may run concurrently; the remote address is the
// only mutable state they share and is swapped atomically.
type Endpoint struct {
	conn   *net.UDPConn
	laddr  *net.UDPAddr
	raddr  atomic.Pointer[net.UDPAddr]
	closed *abool.AtomicBool
	logger log.Logger
}

// Listen binds bind:port, or a random even port of [portMin, portMax] when
// port is zero.
func Listen(bind string, port, portMin, portMax int) (*Endpoint, error) {
	lAddr := &net.UDPAddr{IP: net.ParseIP(bind), Port: port}
	conn, err := utils.ListenUDPInPortRange(portMin, portMax, true, lAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s:%d: %w", bind, port, err)
	}
	return NewEndpoint(conn), nil
}

func NewEndpoint(conn *net.UDPConn) *Endpoint {
	laddr := conn.LocalAddr().(*net.UDPAddr)
	e := &Endpoint{
		conn:   conn,
		laddr:  laddr,
		closed: abool.New(),
		logger: utils.NewLogrusLogger(utils.DefaultLogLevel, "Endpoint", log.Fields{"laddr": laddr.String()}),
	}
	e.logger.Infof("Listen on %v", laddr)
	return e
}

func (e *Endpoint) Log() log.Logger {
	return e.logger
}

func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.laddr
}

func (e *Endpoint) RemoteAddr() *net.UDPAddr {
	return e.raddr.Load()
}

// SetRemoteAddr changes the destination of every later Send.
func (e *Endpoint) SetRemoteAddr(raddr *net.UDPAddr) {
	if raddr != nil {
		cp := *raddr
		raddr = &cp
	}
	old := e.raddr.Swap(raddr)
	if !utils.SameUDPAddr(old, raddr) {
		e.Log().Infof("Remote address %v => %v", old, raddr)
	}
}

func (e *Endpoint) Send(pkt []byte) (int, error) {
	if e.closed.IsSet() {
		return 0, ErrEndpointClosed
	}
	raddr := e.raddr.Load()
	if raddr == nil {
		return 0, ErrNoRemote
	}
	e.Log().Tracef("Send to %v, length %d", raddr, len(pkt))
	n, err := e.conn.WriteToUDP(pkt, raddr)
	if err != nil && e.closed.IsSet() {
		return n, ErrEndpointClosed
	}
	return n, err
}

func (e *Endpoint) Receive(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if e.closed.IsSet() {
		return 0, nil, ErrEndpointClosed
	}
	if timeout > 0 {
		if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, err
		}
	}
	n, raddr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if e.closed.IsSet() {
			return 0, nil, ErrEndpointClosed
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil, ErrReceiveTimeout
		}
		return 0, raddr, err
	}
	e.Log().Tracef("Read rtp from: %v, length: %d", raddr, n)
	return n, raddr, nil
}

// Close is idempotent.
func (e *Endpoint) Close() error {
	if !e.closed.SetToIf(false, true) {
		return nil
	}
	e.Log().Infof("Close endpoint")
	return e.conn.Close()
}
