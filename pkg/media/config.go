package media

import (
	"fmt"
	"time"
)

// Identity fixes the stream identity of a sender instead of drawing it at
// random, which keeps tests deterministic.
type Identity struct {
	SSRC             uint32
	InitialSequence  uint16
	InitialTimestamp uint32
}

// Config holds the per-session engine options. Everything that would
// otherwise be process-wide state lives here and is injected at construction.
type Config struct {
	// Receiver
	EarlyDropWindow   time.Duration // discard everything this long after start
	ReceiveTimeout    time.Duration // bound on one blocking receive
	CheckSSRC         bool
	CheckSequence     bool
	SynthesizeSilence bool          // needs CheckSequence
	MaxSilence        time.Duration // cap of one synthesized gap
	ThinningDivisor   int           // drop every Nth packet, 0 = off

	// Sender
	SelfPaced        bool
	SyncAdjustment   time.Duration // signed, applied per packet
	MinPeriodDivisor int           // floor = period / divisor
	ReportInterval   time.Duration
	Identity         *Identity

	// Session
	Symmetric             bool
	AMRBandwidthEfficient bool
	RTCP                  bool
	BindAddress           string
	PortMin               int
	PortMax               int
}

const (
	DefaultEarlyDropWindow  = 200 * time.Millisecond
	DefaultReceiveTimeout   = 200 * time.Millisecond
	DefaultMaxSilence       = time.Second
	DefaultMinPeriodDivisor = 2
	DefaultReportInterval   = 5000 * time.Millisecond
)

func DefaultConfig() Config {
	return Config{
		EarlyDropWindow:  DefaultEarlyDropWindow,
		ReceiveTimeout:   DefaultReceiveTimeout,
		MaxSilence:       DefaultMaxSilence,
		SelfPaced:        true,
		MinPeriodDivisor: DefaultMinPeriodDivisor,
		ReportInterval:   DefaultReportInterval,
		BindAddress:      "0.0.0.0",
	}
}

// Normalize fills zero durations and divisors with their defaults. It is
// idempotent; a negative EarlyDropWindow disables the window and is kept as
// is so that a second call does not restore the default.
func (c Config) Normalize() Config {
	if c.EarlyDropWindow == 0 {
		c.EarlyDropWindow = DefaultEarlyDropWindow
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = DefaultMaxSilence
	}
	if c.MinPeriodDivisor <= 0 {
		c.MinPeriodDivisor = DefaultMinPeriodDivisor
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	return c
}

func (c Config) Validate() error {
	if c.ThinningDivisor < 0 {
		return fmt.Errorf("thinning divisor must not be negative: %d", c.ThinningDivisor)
	}
	if c.SynthesizeSilence && !c.CheckSequence {
		return fmt.Errorf("silence synthesis requires sequence admission")
	}
	if c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	return nil
}
