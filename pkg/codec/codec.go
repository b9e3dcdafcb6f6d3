// Package codec converts between raw interleaved I/Q wire bytes and
// unit-scaled complex64 samples.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// WireFormat identifies how I/Q components are laid out on the wire.
type WireFormat int

const (
	Int8        WireFormat = iota + 1 // signed 8-bit, I0 Q0 I1 Q1 ...
	Uint8Offset                       // unsigned 8-bit with a 128 bias (rtl-sdr style)
	Int16BE                           // signed 16-bit big endian
	Int16LE                           // signed 16-bit little endian
)

const (
	fullScale8  = 127.5
	fullScale16 = 32767.5
	offsetBias  = 128

	// EncodeScale is the multiplier used when writing 16-bit samples.
	EncodeScale = 32767
)

// ErrUnsupportedFormat is returned for an unknown WireFormat.
var ErrUnsupportedFormat = errors.New("unsupported wire format")

// DecodeError reports which format tag could not be decoded.
type DecodeError struct {
	Format WireFormat
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d: %v", int(e.Format), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ComponentSize is the number of bytes used by a single I or Q value.
func (f WireFormat) ComponentSize() int {
	switch f {
	case Int8, Uint8Offset:
		return 1
	case Int16BE, Int16LE:
		return 2
	}
	return 0
}

// PairSize is the number of bytes per complex sample.
func (f WireFormat) PairSize() int { return 2 * f.ComponentSize() }

// Valid reports whether f is one of the known formats.
func (f WireFormat) Valid() bool { return f.ComponentSize() != 0 }

func (f WireFormat) String() string {
	switch f {
	case Int8:
		return "s8"
	case Uint8Offset:
		return "u8"
	case Int16BE:
		return "s16be"
	case Int16LE:
		return "s16le"
	}
	return fmt.Sprintf("WireFormat(%d)", int(f))
}

// ParseWireFormat maps a configuration name to a WireFormat.
func ParseWireFormat(s string) (WireFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s8", "int8", "cs8", "i8":
		return Int8, nil
	case "u8", "uint8", "cu8", "offset8":
		return Uint8Offset, nil
	case "s16be", "int16be", "i16be":
		return Int16BE, nil
	case "s16le", "int16le", "cs16", "i16le", "s16", "int16":
		return Int16LE, nil
	}
	return 0, &DecodeError{Err: fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)}
}

// Decode converts buf into complex samples. Trailing bytes that do not form
// a full sample are ignored.
func Decode(buf []byte, f WireFormat) ([]complex64, error) {
	return DecodeInto(nil, buf, f)
}

// DecodeInto is Decode reusing dst when it has enough capacity.
func DecodeInto(dst []complex64, buf []byte, f WireFormat) ([]complex64, error) {
	pair := f.PairSize()
	if pair == 0 {
		return nil, &DecodeError{Format: f, Err: ErrUnsupportedFormat}
	}

	n := len(buf) / pair
	if cap(dst) < n {
		dst = make([]complex64, n)
	}
	dst = dst[:n]

	switch f {
	case Int8:
		for i := range dst {
			re := float32(float64(int8(buf[2*i])) / fullScale8)
			im := float32(float64(int8(buf[2*i+1])) / fullScale8)
			dst[i] = complex(re, im)
		}
	case Uint8Offset:
		for i := range dst {
			re := float32(float64(int(buf[2*i])-offsetBias) / fullScale8)
			im := float32(float64(int(buf[2*i+1])-offsetBias) / fullScale8)
			dst[i] = complex(re, im)
		}
	case Int16BE:
		for i := range dst {
			re := float32(float64(int16(binary.BigEndian.Uint16(buf[4*i:]))) / fullScale16)
			im := float32(float64(int16(binary.BigEndian.Uint16(buf[4*i+2:]))) / fullScale16)
			dst[i] = complex(re, im)
		}
	case Int16LE:
		for i := range dst {
			re := float32(float64(int16(binary.LittleEndian.Uint16(buf[4*i:]))) / fullScale16)
			im := float32(float64(int16(binary.LittleEndian.Uint16(buf[4*i+2:]))) / fullScale16)
			dst[i] = complex(re, im)
		}
	}
	return dst, nil
}

// Quantize16 converts a unit-scaled component to a 16-bit integer,
// clamping to [-1, 1] first.
func Quantize16(v float32) int16 {
	x := float64(v)
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	} else if x != x {
		x = 0
	}
	return int16(math.Round(x * EncodeScale))
}

// EncodeInt16LE appends samples to dst as little-endian interleaved 16-bit
// integers and returns the extended slice.
func EncodeInt16LE(dst []byte, samples []complex64) []byte {
	off := len(dst)
	need := off + 4*len(samples)
	if cap(dst) < need {
		grown := make([]byte, off, need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[off+4*i:], uint16(Quantize16(real(s))))
		binary.LittleEndian.PutUint16(dst[off+4*i+2:], uint16(Quantize16(imag(s))))
	}
	return dst
}
