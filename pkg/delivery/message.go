package delivery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Message is one spectrum handed to a display consumer. Powers and PeakHold
// are zero-centred (DC at len/2). The length may change between messages
// when the FFT size changes; consumers must re-provision on a new length.
type Message struct {
	SampleRate     float64
	CentreHz       float64
	Powers         []float32
	PeakHold       []float32
	FirstCaptureNs uint64
	CaptureNs      uint64
}

// Bins is the spectrum length.
func (m Message) Bins() int { return len(m.PeakHold) }

const (
	frameMagic  = 0x49515350 // "IQSP"
	headerBytes = 4 + 4 + 8 + 8 + 8 + 8
)

var errShortFrame = errors.New("spectrum frame too short")

// MarshalBinary encodes the message as a little-endian frame:
// magic u32, bins u32, sample rate f64, centre f64, first u64, capture u64,
// powers [bins]f32, peak hold [bins]f32.
func (m Message) MarshalBinary() ([]byte, error) {
	n := len(m.PeakHold)
	if len(m.Powers) != n {
		return nil, fmt.Errorf("powers has %d bins, peak hold %d", len(m.Powers), n)
	}
	buf := make([]byte, headerBytes+8*n)
	binary.LittleEndian.PutUint32(buf[0:], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(n))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(m.SampleRate))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(m.CentreHz))
	binary.LittleEndian.PutUint64(buf[24:], m.FirstCaptureNs)
	binary.LittleEndian.PutUint64(buf[32:], m.CaptureNs)
	off := headerBytes
	for _, v := range m.Powers {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	for _, v := range m.PeakHold {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	return buf, nil
}

// UnmarshalBinary decodes a frame produced by MarshalBinary.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerBytes {
		return errShortFrame
	}
	if magic := binary.LittleEndian.Uint32(buf); magic != frameMagic {
		return fmt.Errorf("bad spectrum frame magic %#x", magic)
	}
	n := int(binary.LittleEndian.Uint32(buf[4:]))
	if len(buf) < headerBytes+8*n {
		return errShortFrame
	}
	m.SampleRate = math.Float64frombits(binary.LittleEndian.Uint64(buf[8:]))
	m.CentreHz = math.Float64frombits(binary.LittleEndian.Uint64(buf[16:]))
	m.FirstCaptureNs = binary.LittleEndian.Uint64(buf[24:])
	m.CaptureNs = binary.LittleEndian.Uint64(buf[32:])
	m.Powers = make([]float32, n)
	m.PeakHold = make([]float32, n)
	off := headerBytes
	for i := range m.Powers {
		m.Powers[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	for i := range m.PeakHold {
		m.PeakHold[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return nil
}
