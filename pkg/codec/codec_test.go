package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/matryer/is"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestDecodeVectors(t *testing.T) {
	tests := []struct {
		name   string
		buf    []byte
		format WireFormat
		re, im float64
	}{
		{"int16 little endian", []byte{0x00, 0x40, 0x00, 0xE0}, Int16LE, 0.5000076, -0.2500038},
		{"int16 big endian", []byte{0x40, 0x00, 0xE0, 0x00}, Int16BE, 0.5000076, -0.2500038},
		{"int8 signed", []byte{0x40, 0xE0}, Int8, 0.5019608, -0.2509804},
		{"int8 offset unsigned", []byte{0xC0, 0x60}, Uint8Offset, 0.5019608, -0.2509804},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			out, err := Decode(tt.buf, tt.format)
			is.NoErr(err)
			is.Equal(len(out), 1)
			is.True(near(float64(real(out[0])), tt.re, 1e-6)) // real part
			is.True(near(float64(imag(out[0])), tt.im, 1e-6)) // imaginary part
		})
	}
}

func TestDecodeTruncatesTrailingBytes(t *testing.T) {
	is := is.New(t)

	out, err := Decode([]byte{0x00, 0x40, 0x00, 0xE0, 0x01, 0x02, 0x03}, Int16LE)
	is.NoErr(err)
	is.Equal(len(out), 1) // partial sample dropped

	out, err = Decode([]byte{0x01}, Int8)
	is.NoErr(err)
	is.Equal(len(out), 0)
}

func TestDecodeUnsupportedFormat(t *testing.T) {
	is := is.New(t)

	_, err := Decode([]byte{1, 2, 3, 4}, WireFormat(42))
	is.True(errors.Is(err, ErrUnsupportedFormat))

	var de *DecodeError
	is.True(errors.As(err, &de))
	is.Equal(de.Format, WireFormat(42))
}

func TestParseWireFormat(t *testing.T) {
	is := is.New(t)

	for name, want := range map[string]WireFormat{
		"s8": Int8, "CU8": Uint8Offset, "int16be": Int16BE, "s16le": Int16LE, "cs16": Int16LE,
	} {
		got, err := ParseWireFormat(name)
		is.NoErr(err)
		is.Equal(got, want)
	}

	_, err := ParseWireFormat("f32")
	is.True(errors.Is(err, ErrUnsupportedFormat))
}

func TestDecodeInto16Reuse(t *testing.T) {
	is := is.New(t)

	dst := make([]complex64, 0, 8)
	buf := make([]byte, 8)
	lo, hi := int16(math.MinInt16), int16(math.MaxInt16)
	binary.LittleEndian.PutUint16(buf[0:], uint16(lo))
	binary.LittleEndian.PutUint16(buf[2:], uint16(hi))

	out, err := DecodeInto(dst, buf, Int16LE)
	is.NoErr(err)
	is.Equal(len(out), 2)
	is.True(&out[0] == &dst[:1][0]) // backing array reused
	is.True(real(out[0]) >= -1.0001)
	is.True(imag(out[0]) <= 1.0)
}

// encoded16 reads back the amplitude the encoder intends to represent.
func encoded16(b []byte) (float64, float64) {
	i := int16(binary.LittleEndian.Uint16(b))
	q := int16(binary.LittleEndian.Uint16(b[2:]))
	return float64(i) / EncodeScale, float64(q) / EncodeScale
}

// redecode runs samples back through the snapshot encoder and the decoder.
func redecode(t *testing.T, samples []complex64) complex64 {
	t.Helper()
	out, err := Decode(EncodeInt16LE(nil, samples), Int16LE)
	if err != nil {
		t.Fatal(err)
	}
	return out[0]
}

func TestRoundTripInt16(t *testing.T) {
	is := is.New(t)
	const tol = 1.0 / 32768

	buf := make([]byte, 4)
	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		binary.LittleEndian.PutUint16(buf, uint16(int16(v)))
		binary.LittleEndian.PutUint16(buf[2:], uint16(int16(-1-v)))
		for _, f := range []WireFormat{Int16LE, Int16BE} {
			in := buf
			if f == Int16BE {
				in = []byte{buf[1], buf[0], buf[3], buf[2]}
			}
			samples, err := Decode(in, f)
			is.NoErr(err)

			back := redecode(t, samples)
			is.True(near(float64(real(back)), float64(real(samples[0])), tol)) // I round-trips
			is.True(near(float64(imag(back)), float64(imag(samples[0])), tol)) // Q round-trips
		}
	}
}

func TestRoundTripInt8(t *testing.T) {
	is := is.New(t)
	const tol = 1.0 / 32768
	clamped := float64(-EncodeScale) / fullScale16
	want := func(raw int, decoded float32) float64 {
		if raw == math.MinInt8 {
			// -128 decodes just below -1 and the encoder clamps it
			return clamped
		}
		return float64(decoded)
	}

	for v := math.MinInt8; v <= math.MaxInt8; v++ {
		q := -1 - v
		signed := []byte{byte(int8(v)), byte(int8(q))}
		offset := []byte{byte(v + 128), byte(q + 128)}
		for f, in := range map[WireFormat][]byte{Int8: signed, Uint8Offset: offset} {
			samples, err := Decode(in, f)
			is.NoErr(err)
			back := redecode(t, samples)
			is.True(near(float64(real(back)), want(v, real(samples[0])), tol))
			is.True(near(float64(imag(back)), want(q, imag(samples[0])), tol))
		}
	}
}

func TestQuantize16Clamps(t *testing.T) {
	is := is.New(t)
	is.Equal(Quantize16(2), int16(32767))
	is.Equal(Quantize16(-3), int16(-32767))
	is.Equal(Quantize16(0), int16(0))
	is.Equal(Quantize16(float32(math.NaN())), int16(0))
}

func TestEncodeAppends(t *testing.T) {
	is := is.New(t)
	out := EncodeInt16LE([]byte{0xAA}, []complex64{complex(0.5, -0.5)})
	is.Equal(len(out), 5)
	is.Equal(out[0], byte(0xAA))
	re, im := encoded16(out[1:])
	is.True(near(re, 0.5, 1e-4))
	is.True(near(im, -0.5, 1e-4))
}
