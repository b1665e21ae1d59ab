package media

import "io"

// Formatter adds or removes codec specific in-band framing around one frame.
type Formatter interface {
	Name() string
	// Format turns a frame read from the device into an RTP payload.
	Format(frame []byte) ([]byte, error)
	// Unformat recovers the frame carried by an RTP payload.
	Unformat(payload []byte) ([]byte, error)
}

// Silencer is implemented by formatters able to synthesize filler for a gap
// of units RTP timestamp units. The result is in unformatted frame layout.
type Silencer interface {
	Silence(units int) []byte
}

// Framer is implemented by formatters whose device frames carry their own
// length. Split reports how many leading bytes of buf form whole frames, up
// to maxUnits RTP timestamp units, and the units they span. A trailing
// partial frame is left for the next read.
type Framer interface {
	Split(buf []byte, maxUnits uint32) (used int, units uint32, err error)
}

// Transcoder converts between the device sample layout and the wire codec.
type Transcoder interface {
	Name() string
	Encode(frame []byte) ([]byte, error)
	Decode(payload []byte) ([]byte, error)
}

// Device is a backing I/O device started and stopped around a pipeline.
type Device interface {
	Start() error
	Stop() error
}

// Source is the readable side of the device layer. Reads must not be
// rewound; io.EOF ends the stream.
type Source interface {
	io.Reader
}

// Sink is the writable side of the device layer.
type Sink interface {
	io.Writer
}
