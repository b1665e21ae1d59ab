package device

import (
	"io"

	"github.com/tevino/abool"
)

// Stream adapts a plain reader or writer, such as a file, to the device
// lifecycle. Stop closes the underlying stream when it is an io.Closer.
type Stream struct {
	r       io.Reader
	w       io.Writer
	c       io.Closer
	stopped *abool.AtomicBool
}

func NewSource(r io.Reader) *Stream {
	s := &Stream{r: r, stopped: abool.New()}
	s.c, _ = r.(io.Closer)
	return s
}

func NewSink(w io.Writer) *Stream {
	s := &Stream{w: w, stopped: abool.New()}
	s.c, _ = w.(io.Closer)
	return s
}

func (s *Stream) Start() error {
	if s.stopped.IsSet() {
		return ErrStopped
	}
	return nil
}

func (s *Stream) Stop() error {
	if !s.stopped.SetToIf(false, true) || s.c == nil {
		return nil
	}
	return s.c.Close()
}

func (s *Stream) Read(b []byte) (int, error) {
	if s.r == nil || s.stopped.IsSet() {
		return 0, io.EOF
	}
	return s.r.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	if s.w == nil || s.stopped.IsSet() {
		return 0, ErrStopped
	}
	return s.w.Write(b)
}
