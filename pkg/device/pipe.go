package device

import (
	"errors"
	"io"
	"sync"

	"github.com/gammazero/deque"
)

var ErrStopped = errors.New("device: stopped")

// Pipe is an in-memory device: frames written on one side are read back in
// order on the other. Read blocks until a frame is queued or the pipe is
// stopped; a stopped pipe drains what is queued and then returns io.EOF.
type Pipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frames  *deque.Deque
	limit   int
	running bool
	stopped bool
	dropped int
}

// NewPipe returns a pipe holding at most limit frames, dropping the oldest
// beyond that. A limit of zero is unbounded.
func NewPipe(limit int) *Pipe {
	p := &Pipe{frames: deque.New(), limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.running = true
	return nil
}

// Stop wakes blocked readers. It is idempotent.
func (p *Pipe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.stopped = true
	p.cond.Broadcast()
	return nil
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return 0, ErrStopped
	}
	if len(b) == 0 {
		return 0, nil
	}
	p.frames.PushBack(append([]byte(nil), b...))
	if p.limit > 0 && p.frames.Len() > p.limit {
		p.frames.PopFront()
		p.dropped++
	}
	p.cond.Signal()
	return len(b), nil
}

// Read returns at most one frame. A frame longer than b is split across
// reads.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.frames.Len() == 0 {
		if p.stopped {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
	frame := p.frames.PopFront().([]byte)
	n := copy(b, frame)
	if n < len(frame) {
		p.frames.PushFront(frame[n:])
	}
	return n, nil
}

// Len is the number of queued frames.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames.Len()
}

// Dropped counts frames discarded because the pipe was full.
func (p *Pipe) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
