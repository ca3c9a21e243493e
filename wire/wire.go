// Package wire implements saftbus's message framing: a small,
// schema-free, position-by-position typed encoding for the payloads
// exchanged between clients and the daemon.
//
// Unlike a self-describing format, a Serializer does not tag the type
// of each value it writes. The two ends of a connection are expected
// to agree out of band, by source-code contract, on the sequence of
// types that make up a given request, reply, or signal; see
// [Deserializer] for what happens when that contract is violated.
//
// Every message produced by a Serializer is meant to be written with
// a single Write onto a SOCK_SEQPACKET socket, so that the kernel
// preserves message boundaries and a Deserializer never has to guess
// where one logical message ends and the next begins.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrProtocol is returned (wrapped) when a Deserializer is asked for
// more data than the message contains, or is pressed into production
// past a point where the producer and consumer have plainly stopped
// agreeing on the schema. It is always fatal to the connection it
// occurred on: the caller must close the socket and discard any
// further state associated with it.
var ErrProtocol = errors.New("saftbus: wire protocol error")

// A Serializer accumulates a typed sequence of values into a single
// framed message.
//
// The zero value is ready to use. Serializers are not safe for
// concurrent use; callers needing to share one across goroutines must
// provide their own locking (see the root package's ClientConnection
// for the convention this repo follows).
type Serializer struct {
	buf []byte
}

// NewSerializer returns a Serializer with its buffer pre-sized to hint
// bytes, which need not be exact.
func NewSerializer(hint int) *Serializer {
	return &Serializer{buf: make([]byte, 0, hint)}
}

// Reset discards any accumulated output, so the Serializer can be
// reused for the next message.
func (s *Serializer) Reset() {
	s.buf = s.buf[:0]
}

// Bytes returns the accumulated message. The returned slice is only
// valid until the next call to a Put method or Reset.
func (s *Serializer) Bytes() []byte {
	return s.buf
}

// PutBool writes a boolean.
func (s *Serializer) PutBool(b bool) {
	if b {
		s.buf = append(s.buf, 1)
	} else {
		s.buf = append(s.buf, 0)
	}
}

// PutUint8 writes a single byte.
func (s *Serializer) PutUint8(v uint8) {
	s.buf = append(s.buf, v)
}

// PutUint32 writes a fixed-width little-endian uint32.
func (s *Serializer) PutUint32(v uint32) {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, v)
}

// PutInt32 writes v as an unsigned 32-bit two's complement value.
func (s *Serializer) PutInt32(v int32) {
	s.PutUint32(uint32(v))
}

// PutUint64 writes a fixed-width little-endian uint64.
func (s *Serializer) PutUint64(v uint64) {
	s.buf = binary.LittleEndian.AppendUint64(s.buf, v)
}

// PutBytes writes a 32-bit element count followed by the raw bytes.
func (s *Serializer) PutBytes(b []byte) {
	s.PutUint32(uint32(len(b)))
	s.buf = append(s.buf, b...)
}

// PutString writes s as a length-prefixed byte string.
func (s *Serializer) PutString(str string) {
	s.PutBytes([]byte(str))
}

// PutUint32Slice writes a length-prefixed sequence of uint32s.
func (s *Serializer) PutUint32Slice(vs []uint32) {
	s.PutUint32(uint32(len(vs)))
	for _, v := range vs {
		s.PutUint32(v)
	}
}

// PutStringSlice writes a length-prefixed sequence of strings.
func (s *Serializer) PutStringSlice(vs []string) {
	s.PutUint32(uint32(len(vs)))
	for _, v := range vs {
		s.PutString(v)
	}
}

// PutSequence writes a length-prefixed sequence of n elements,
// delegating the encoding of each element to put. It is the building
// block for sequences of types this package does not special-case,
// such as sequences of structs.
func (s *Serializer) PutSequence(n int, put func(i int)) {
	s.PutUint32(uint32(n))
	for i := 0; i < n; i++ {
		put(i)
	}
}

// A Deserializer reads a single previously-framed message, yielding
// typed values in the same order a matching Serializer wrote them.
//
// Every Get method advances an internal read cursor. Reading past the
// end of the message, or any other sign that the reader has lost sync
// with the writer's schema, returns an error wrapping [ErrProtocol];
// the caller must treat this as fatal to the connection (see §4.2 and
// §7 of the design).
type Deserializer struct {
	buf    []byte
	cursor int
}

// NewDeserializer wraps buf, a single complete message as read off a
// SOCK_SEQPACKET socket, for sequential decoding.
func NewDeserializer(buf []byte) *Deserializer {
	return &Deserializer{buf: buf}
}

// Len reports how many bytes remain unread.
func (d *Deserializer) Len() int {
	return len(d.buf) - d.cursor
}

func (d *Deserializer) take(n int) ([]byte, error) {
	if n < 0 || d.cursor+n > len(d.buf) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrProtocol, n, d.Len())
	}
	b := d.buf[d.cursor : d.cursor+n]
	d.cursor += n
	return b, nil
}

// GetBool reads a boolean.
func (d *Deserializer) GetBool() (bool, error) {
	b, err := d.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// GetUint8 reads a single byte.
func (d *Deserializer) GetUint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetUint32 reads a fixed-width little-endian uint32.
func (d *Deserializer) GetUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// GetInt32 reads a two's complement 32-bit value.
func (d *Deserializer) GetInt32() (int32, error) {
	v, err := d.GetUint32()
	return int32(v), err
}

// GetUint64 reads a fixed-width little-endian uint64.
func (d *Deserializer) GetUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetBytes reads a length-prefixed byte string.
func (d *Deserializer) GetBytes() ([]byte, error) {
	n, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// GetString reads a length-prefixed string.
func (d *Deserializer) GetString() (string, error) {
	b, err := d.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetUint32Slice reads a length-prefixed sequence of uint32s.
func (d *Deserializer) GetUint32Slice() ([]uint32, error) {
	n, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		if out[i], err = d.GetUint32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetStringSlice reads a length-prefixed sequence of strings.
func (d *Deserializer) GetStringSlice() ([]string, error) {
	n, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = d.GetString(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetSequence reads a length-prefixed sequence of n elements,
// delegating the decoding of each element to get. It mirrors
// [Serializer.PutSequence].
func (d *Deserializer) GetSequence(get func(i int) error) (int, error) {
	n, err := d.GetUint32()
	if err != nil {
		return 0, err
	}
	for i := 0; i < int(n); i++ {
		if err := get(i); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}
