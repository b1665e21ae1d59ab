package utils

import "sync/atomic"

type AtomicUInt32 uint32

func (ai *AtomicUInt32) Set(value uint32) (old uint32) {
	return atomic.SwapUint32((*uint32)(ai), value)
}

func (ai *AtomicUInt32) Get() uint32 {
	return atomic.LoadUint32((*uint32)(ai))
}

// Add wraps at 2^32 like the RTP counters it backs.
func (ai *AtomicUInt32) Add(delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(ai), delta)
}

func (ai *AtomicUInt32) Incr() uint32 {
	return ai.Add(1)
}

// AtomicUInt64 wraps atomic.Uint64, which stays 8-byte aligned on 32-bit
// platforms wherever it is embedded.
type AtomicUInt64 struct {
	v atomic.Uint64
}

func (ai *AtomicUInt64) Get() uint64 {
	return ai.v.Load()
}

func (ai *AtomicUInt64) Add(delta uint64) uint64 {
	return ai.v.Add(delta)
}

func (ai *AtomicUInt64) Incr() uint64 {
	return ai.Add(1)
}

// AtomicDuration holds a signed nanosecond count.
type AtomicDuration struct {
	v atomic.Int64
}

func (ad *AtomicDuration) Set(ns int64) {
	ad.v.Store(ns)
}

func (ad *AtomicDuration) Get() int64 {
	return ad.v.Load()
}
