package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Unix(1700000000, 0)

func newTestRecorder(t *testing.T, cfg Config, opts ...Option) *Recorder {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return epoch }), WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	r := NewRecorder(cfg, opts...)
	r.SetTuning(100.1e6, 1000)
	return r
}

func block(n int, v float32) []complex64 {
	b := make([]complex64, n)
	for i := range b {
		b[i] = complex(v, -v)
	}
	return b
}

func TestRecordsExactBudget(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	r := newTestRecorder(t, Config{Dir: dir, BaseName: "cap", PostTriggerMS: 1000})

	r.Arm()
	is.Equal(r.State(), Armed)

	// rate 1000 and 1000 ms is 1000 samples: 3 blocks of 300 then 100 of the 4th
	var out Outcome
	var err error
	for i := 0; i < 3; i++ {
		out, err = r.Feed(block(300, 0.5), true)
		is.NoErr(err)
		is.Equal(out.Status, StatusInProgress)
	}
	out, err = r.Feed(block(300, 0.5), true)
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted)
	is.Equal(r.State(), Idle)

	is.Equal(filepath.Base(out.File), "cap.1700000000.cf100.1.cplx.1000.16tle")
	fi, err := os.Stat(out.File)
	is.NoErr(err)
	is.Equal(fi.Size(), int64(1000*BytesPerSample))
	is.Equal(r.Session().SamplesWritten, int64(1000))
	is.Equal(r.Session().BytesWritten, uint64(fi.Size()))

	_, err = os.Stat(filepath.Join(dir, "cap.partial"))
	is.True(os.IsNotExist(err))
}

func TestIdleIgnoresLevelTriggerWithoutEdge(t *testing.T) {
	is := is.New(t)
	r := newTestRecorder(t, Config{Dir: t.TempDir(), BaseName: "edge", PostTriggerMS: 1000})

	out, err := r.Feed(block(10, 0), true) // rising edge starts a recording
	is.NoErr(err)
	is.Equal(out.Status, StatusInProgress)

	out, err = r.Feed(block(10, 0), false) // cleared trigger finalizes early
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted)
	fi, err := os.Stat(out.File)
	is.NoErr(err)
	is.Equal(fi.Size(), int64(10*BytesPerSample))

	// a fresh edge starts again even on an empty block
	out, err = r.Feed(nil, true)
	is.NoErr(err)
	is.Equal(out.Status, StatusInProgress)
	out, err = r.Finalize()
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted)

	// trigger held high since before: no edge, so nothing starts
	out, err = r.Feed(block(10, 0), true)
	is.NoErr(err)
	is.Equal(out.Status, StatusIdle)
}

func TestArmedWaitsForTrigger(t *testing.T) {
	is := is.New(t)
	r := newTestRecorder(t, Config{Dir: t.TempDir(), PostTriggerMS: 10})
	r.Arm()

	out, err := r.Feed(block(4, 0), false)
	is.NoErr(err)
	is.Equal(out.Status, StatusIdle)
	is.Equal(r.State(), Armed)

	out, err = r.Feed(block(100, 0), true)
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted) // budget is 10 samples
	is.True(strings.HasPrefix(filepath.Base(out.File), "snapshot."))
}

func TestMaxFileSizeClampsBudget(t *testing.T) {
	is := is.New(t)
	r := newTestRecorder(t, Config{Dir: t.TempDir(), PostTriggerMS: 1000, MaxFileSize: 40})
	r.Arm()

	out, err := r.Feed(block(50, 0.1), true)
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted)
	is.Equal(len(out.Warnings), 1)
	is.True(strings.Contains(out.Warnings[0], "clamped"))

	fi, err := os.Stat(out.File)
	is.NoErr(err)
	is.Equal(fi.Size(), int64(40))
}

func TestPreTriggerIsReportedNotGuessed(t *testing.T) {
	is := is.New(t)
	r := newTestRecorder(t, Config{Dir: t.TempDir(), PreTriggerMS: 250, PostTriggerMS: 5})
	r.Arm()

	out, err := r.Feed(block(5, 0), true)
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted)
	is.Equal(len(out.Warnings), 1)
	is.True(strings.Contains(out.Warnings[0], "pre-trigger"))
}

type failingSink struct{ calls int }

func (s *failingSink) WriteSamples([]complex64) error {
	s.calls++
	if s.calls > 1 {
		return errors.New("disk full")
	}
	return nil
}

func (s *failingSink) Close() error { return nil }

func TestWriteFailureAbortsAndRemovesPartial(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	sink := &failingSink{}
	opener := func(format Format, path string, meta Metadata) (Sink, error) {
		is.NoErr(os.WriteFile(path, []byte("partial"), 0644))
		return sink, nil
	}
	r := newTestRecorder(t, Config{Dir: dir, BaseName: "bad", PostTriggerMS: 1000}, WithOpener(opener))
	r.Arm()

	_, err := r.Feed(block(10, 0), true)
	is.NoErr(err)
	out, err := r.Feed(block(10, 0), true)

	var recErr *RecordingError
	is.True(errors.As(err, &recErr))
	is.Equal(recErr.Op, "write")
	is.Equal(out.Status, StatusIdle)
	is.Equal(r.State(), Idle)

	entries, err := os.ReadDir(dir)
	is.NoErr(err)
	is.Equal(len(entries), 0)
}

func TestZeroBudgetDoesNotStart(t *testing.T) {
	is := is.New(t)
	r := newTestRecorder(t, Config{Dir: t.TempDir(), PostTriggerMS: 0})
	r.Arm()

	out, err := r.Feed(block(10, 0), true)
	is.NoErr(err)
	is.Equal(out.Status, StatusIdle)
	is.Equal(len(out.Warnings), 1)
	is.Equal(r.State(), Idle)
}

func TestConfigureFinalizesRunningRecording(t *testing.T) {
	is := is.New(t)
	r := newTestRecorder(t, Config{Dir: t.TempDir(), PostTriggerMS: 1000})
	r.Arm()
	_, err := r.Feed(block(20, 0), true)
	is.NoErr(err)

	out, err := r.Configure(Config{Dir: t.TempDir(), BaseName: "next", PostTriggerMS: 10})
	is.NoErr(err)
	is.Equal(out.Status, StatusCompleted)
	is.Equal(r.State(), Idle)
	is.Equal(r.Config().BaseName, "next")
}

func TestWAVAndParquetContainers(t *testing.T) {
	is := is.New(t)

	for _, format := range []Format{FormatWAV, FormatParquet} {
		r := newTestRecorder(t, Config{Dir: t.TempDir(), BaseName: "c", PostTriggerMS: 64, Format: format})
		r.Arm()
		out, err := r.Feed(block(100, 0.25), true)
		is.NoErr(err)
		is.Equal(out.Status, StatusCompleted)
		is.True(strings.HasSuffix(out.File, ".16tle"+format.Extension()))

		fi, err := os.Stat(out.File)
		is.NoErr(err)
		is.True(fi.Size() > 64*BytesPerSample)

		if format == FormatParquet {
			rows, err := parquet.ReadFile[IQRow](out.File)
			is.NoErr(err)
			is.Equal(len(rows), 64)
			is.Equal(rows[0].I, int32(8192)) // 0.25 * 32767 rounded
			is.Equal(rows[0].Q, int32(-8192))
		}
	}
}

func TestMaxFileSizeCapsPayload(t *testing.T) {
	is := is.New(t)

	for _, format := range []Format{FormatWAV, FormatParquet} {
		r := newTestRecorder(t, Config{Dir: t.TempDir(), PostTriggerMS: 1000, MaxFileSize: 40, Format: format})
		r.Arm()
		out, err := r.Feed(block(50, 0.1), true)
		is.NoErr(err)
		is.Equal(out.Status, StatusCompleted)
		is.Equal(r.Session().SamplesWritten, int64(10))
		is.Equal(r.Session().BytesWritten, uint64(40))

		fi, err := os.Stat(out.File)
		is.NoErr(err)
		is.True(fi.Size() > 40) // container framing comes on top
	}
}

func TestParseSize(t *testing.T) {
	is := is.New(t)
	for in, want := range map[string]int64{
		"512":    512,
		"4k":     4 << 10,
		"64MB":   64 << 20,
		" 2 GB ": 2 << 30,
		"8G":     8 << 30,
	} {
		got, err := ParseSize(in)
		is.NoErr(err)
		is.Equal(got, want)
	}

	for _, in := range []string{"", "MB", "-1", "1.5GB", "9999999999GB", "9223372036854775807K"} {
		_, err := ParseSize(in)
		is.True(err != nil) // rejected
	}
	n, err := ParseSize("8589934591GB") // largest value that fits
	is.NoErr(err)
	is.Equal(n, int64(8589934591)<<30)
	is.Equal(FormatSize(64<<20), "64MB")
	is.Equal(FormatSize(1000), "1000")
}

func TestParseFormat(t *testing.T) {
	is := is.New(t)
	f, err := ParseFormat("")
	is.NoErr(err)
	is.Equal(f, FormatRaw)
	f, err = ParseFormat("wav")
	is.NoErr(err)
	is.Equal(f, FormatWAV)
	_, err = ParseFormat("flac")
	is.True(err != nil)
}

func TestBudget(t *testing.T) {
	is := is.New(t)
	is.Equal(Budget(2.4e6, 1000), int64(2400000))
	is.Equal(Budget(48000, 500), int64(24000))
	is.Equal(Budget(0, 1000), int64(0))
	is.Equal(Budget(1e6, -1), int64(0))
}
