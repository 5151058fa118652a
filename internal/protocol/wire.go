package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxArrayLen bounds every length prefix read off the wire.
const MaxArrayLen = 1 << 20

type writer struct{ b []byte }

func (w *writer) byte(v byte)     { w.b = append(w.b, v) }
func (w *writer) int32(v int32)   { w.b = binary.LittleEndian.AppendUint32(w.b, uint32(v)) }
func (w *writer) uint32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }

func (w *writer) bool(v bool) {
	if v {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *writer) bytes(v []byte) {
	w.int32(int32(len(v)))
	w.b = append(w.b, v...)
}

func (w *writer) string(v string) { w.bytes([]byte(v)) }

func (w *writer) uint32s(v []uint32) {
	w.int32(int32(len(v)))
	for _, x := range v {
		w.uint32(x)
	}
}

func (w *writer) int32s(v []int32) {
	w.int32(int32(len(v)))
	for _, x := range v {
		w.int32(x)
	}
}

// reader records the first error and turns every later read into a no-op.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.fail("need %d bytes at offset %d, have %d", n, r.off, len(r.b)-r.off)
		return nil
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s
}

func (r *reader) byte() byte {
	s := r.take(1)
	if s == nil {
		return 0
	}
	return s[0]
}

func (r *reader) uint32() uint32 {
	s := r.take(4)
	if s == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(s)
}

func (r *reader) int32() int32 { return int32(r.uint32()) }

func (r *reader) bool() bool {
	switch v := r.byte(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bool byte %d", v)
		return false
	}
}

func (r *reader) length(elem int) int {
	n := r.int32()
	if r.err != nil {
		return 0
	}
	if n < 0 || n > MaxArrayLen || int64(n)*int64(elem) > math.MaxInt32 {
		r.fail("length %d out of range", n)
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.length(1)
	s := r.take(n)
	if s == nil {
		return nil
	}
	return append([]byte(nil), s...)
}

func (r *reader) string() string { return string(r.bytes()) }

func (r *reader) uint32s() []uint32 {
	n := r.length(4)
	if r.err != nil || len(r.b)-r.off < n*4 {
		r.take(n * 4)
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = r.uint32()
	}
	return out
}

func (r *reader) int32s() []int32 {
	n := r.length(4)
	if r.err != nil || len(r.b)-r.off < n*4 {
		r.take(n * 4)
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.int32()
	}
	return out
}

// done fails when bytes are left over.
func (r *reader) done() error {
	if r.err == nil && r.off != len(r.b) {
		r.fail("%d trailing bytes", len(r.b)-r.off)
	}
	return r.err
}
