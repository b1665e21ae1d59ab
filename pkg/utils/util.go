package utils

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/ghettovoice/gosip/log"
)

var (
	ErrPort = errors.New("invalid port")

	portLogger = NewLogrusLogger(DefaultLogLevel, "Ports", nil)
	portRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// ListenUDPInPortRange binds laddr, or the first free port of
// [portMin, portMax] starting from a random offset when laddr has no port.
// An even-only range is used when evenOnly is set, the RTP convention that
// leaves the odd neighbour for RTCP.
func ListenUDPInPortRange(portMin, portMax int, evenOnly bool, laddr *net.UDPAddr) (*net.UDPConn, error) {
	if (laddr.Port != 0) || ((portMin == 0) && (portMax == 0)) {
		return net.ListenUDP("udp", laddr)
	}
	i, j := portMin, portMax
	if i == 0 {
		i = 1
	}
	if j == 0 {
		j = 0xFFFF
	}
	if i > j {
		return nil, ErrPort
	}
	portStart := portRand.Intn(j-i+1) + i
	if evenOnly && portStart%2 != 0 {
		portStart--
		if portStart < i {
			portStart += 2
		}
		if portStart > j {
			return nil, ErrPort
		}
	}
	step := 1
	if evenOnly {
		step = 2
	}
	portCurrent := portStart
	for {
		*laddr = net.UDPAddr{IP: laddr.IP, Port: portCurrent}
		c, e := net.ListenUDP("udp", laddr)
		if e == nil {
			return c, e
		}
		portCurrent += step
		if portCurrent > j {
			portCurrent = i
			if evenOnly && portCurrent%2 != 0 {
				portCurrent++
			}
		}

		portLogger.WithFields(log.Fields{"addr": laddr.String()}).Debugf("failed to listen: %v, try next port %d", e, portCurrent)

		if portCurrent == portStart {
			break
		}
	}
	return nil, ErrPort
}

// JoinHostPort resolves host and port into a UDP address.
func JoinHostPort(host string, port int) (*net.UDPAddr, error) {
	if port <= 0 || port > 0xFFFF {
		return nil, ErrPort
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// SameUDPAddr reports whether a and b name the same IP and port.
func SameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// SplitHostPort parses "host:port" as given on a command line.
func SplitHostPort(hostport string) (string, int, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 0xFFFF {
		return "", 0, ErrPort
	}
	return host, port, nil
}
