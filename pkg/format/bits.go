package format

import (
	"bytes"
	"errors"
	"io"

	"github.com/icza/bitio"
)

// bitWriter packs values MSB first.
type bitWriter struct {
	buf bytes.Buffer
	w   *bitio.Writer
}

func newBitWriter() *bitWriter {
	bw := &bitWriter{}
	bw.w = bitio.NewWriter(&bw.buf)
	return bw
}

func (w *bitWriter) write(v uint32, n int) {
	w.w.TryWriteBits(uint64(v), uint8(n))
}

// writeBits copies the first n bits of src.
func (w *bitWriter) writeBits(src []byte, n int) {
	for i := 0; n > 0; i++ {
		take := n
		if take > 8 {
			take = 8
		}
		w.w.TryWriteBits(uint64(src[i]>>uint(8-take)), uint8(take))
		n -= take
	}
}

// bytes flushes the partial last byte, zero padded.
func (w *bitWriter) bytes() []byte {
	w.w.Close()
	return w.buf.Bytes()
}

type bitReader struct {
	r *bitio.Reader
}

func newBitReader(buf []byte) *bitReader {
	return &bitReader{r: bitio.NewReader(bytes.NewReader(buf))}
}

func (r *bitReader) read(n int) (uint32, error) {
	v, err := r.r.ReadBits(uint8(n))
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, ErrShortPayload
	}
	return uint32(v), err
}

// readBits reads n bits into a zero padded byte slice.
func (r *bitReader) readBits(n int) ([]byte, error) {
	w := newBitWriter()
	for n > 0 {
		take := n
		if take > 8 {
			take = 8
		}
		v, err := r.read(take)
		if err != nil {
			return nil, err
		}
		w.write(v, take)
		n -= take
	}
	return w.bytes(), nil
}
