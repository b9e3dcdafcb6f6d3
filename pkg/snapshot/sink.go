package snapshot

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/segmentio/parquet-go"

	"github.com/ocupoint/iqscope/pkg/codec"
)

// Format selects the container a snapshot is written in. Every container
// holds 16-bit interleaved I/Q.
type Format string

const (
	FormatRaw     Format = "raw"
	FormatWAV     Format = "wav"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a container name; empty means raw.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "", FormatRaw:
		return FormatRaw, nil
	case FormatWAV, FormatParquet:
		return f, nil
	}
	return "", fmt.Errorf("unknown snapshot format %q", s)
}

// Extension is appended after the metadata-bearing file name.
func (f Format) Extension() string {
	switch f {
	case FormatWAV:
		return ".wav"
	case FormatParquet:
		return ".parquet"
	}
	return ""
}

// Metadata describes the capture a sink is writing.
type Metadata struct {
	Start      time.Time
	CentreHz   float64
	SampleRate float64
}

// Sink receives the samples of one recording.
type Sink interface {
	WriteSamples(samples []complex64) error
	Close() error
}

// Opener creates the sink for a new recording at path.
type Opener func(format Format, path string, meta Metadata) (Sink, error)

// OpenFile is the default Opener.
func OpenFile(format Format, path string, meta Metadata) (Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatWAV:
		return newWAVSink(f, meta), nil
	case FormatParquet:
		return newParquetSink(f, meta), nil
	}
	return &rawSink{file: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

type rawSink struct {
	file *os.File
	w    *bufio.Writer
	buf  []byte
}

func (s *rawSink) WriteSamples(samples []complex64) error {
	s.buf = codec.EncodeInt16LE(s.buf[:0], samples)
	_, err := s.w.Write(s.buf)
	return err
}

func (s *rawSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// wavSink writes a two channel (I left, Q right) 16-bit PCM file.
type wavSink struct {
	file *os.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer
}

func newWAVSink(f *os.File, meta Metadata) *wavSink {
	rate := int(meta.SampleRate)
	return &wavSink{
		file: f,
		enc:  wav.NewEncoder(f, rate, 16, 2, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
			SourceBitDepth: 16,
		},
	}
}

func (s *wavSink) WriteSamples(samples []complex64) error {
	data := s.buf.Data[:0]
	for _, v := range samples {
		data = append(data, int(codec.Quantize16(real(v))), int(codec.Quantize16(imag(v))))
	}
	s.buf.Data = data
	return s.enc.Write(s.buf)
}

func (s *wavSink) Close() error {
	if err := s.enc.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// IQRow is one complex sample in a parquet snapshot.
type IQRow struct {
	I int32 `parquet:"i"`
	Q int32 `parquet:"q"`
}

type parquetSink struct {
	file *os.File
	w    *parquet.GenericWriter[IQRow]
	rows []IQRow
}

func newParquetSink(f *os.File, meta Metadata) *parquetSink {
	return &parquetSink{
		file: f,
		w: parquet.NewGenericWriter[IQRow](f,
			parquet.KeyValueMetadata("start_unix", strconv.FormatInt(meta.Start.Unix(), 10)),
			parquet.KeyValueMetadata("centre_hz", strconv.FormatFloat(meta.CentreHz, 'f', -1, 64)),
			parquet.KeyValueMetadata("sample_rate", strconv.FormatFloat(meta.SampleRate, 'f', -1, 64)),
			parquet.KeyValueMetadata("format", "cplx.16tle"),
		),
	}
}

func (s *parquetSink) WriteSamples(samples []complex64) error {
	rows := s.rows[:0]
	for _, v := range samples {
		rows = append(rows, IQRow{I: int32(codec.Quantize16(real(v))), Q: int32(codec.Quantize16(imag(v)))})
	}
	s.rows = rows
	_, err := s.w.Write(rows)
	return err
}

func (s *parquetSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
