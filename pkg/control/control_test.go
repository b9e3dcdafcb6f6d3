package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestLastWriteWins(t *testing.T) {
	is := is.New(t)
	u := NewUpdates()

	u.Set(KeyFFTSize, "1024")
	u.Set("FFT_Size", "2048")
	g := u.Set("center-frequency", "433.92e6")

	batch, gen := u.Drain()
	is.Equal(gen, g)
	is.Equal(batch, map[string]string{
		KeyFFTSize:         "2048",
		KeyCentreFrequency: "433.92e6",
	})

	batch, _ = u.Drain()
	is.Equal(len(batch), 0)
}

func TestConcurrentSetters(t *testing.T) {
	is := is.New(t)
	u := NewUpdates()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				u.SetMany(map[string]string{KeyTargetFPS: "30", KeyStop: "false"})
			}
		}()
	}
	wg.Wait()

	is.Equal(u.Generation(), uint64(800))
	batch, _ := u.Drain()
	is.Equal(len(batch), 2)
}

func TestWaitApplied(t *testing.T) {
	is := is.New(t)
	u := NewUpdates()
	gen := u.Set(KeySnapshotTrigger, "true")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, g := u.Drain()
		u.Ack(g)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	is.NoErr(u.WaitApplied(ctx, gen))
	is.Equal(u.Applied(), gen)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := u.WaitApplied(ctx, gen+1)
	is.True(errors.Is(err, context.DeadlineExceeded))
}

func TestParseMessage(t *testing.T) {
	is := is.New(t)

	kv, err := ParseMessage([]byte(`{"fft-size":2048,"sample_rate":2.4e6,"snapshot-trigger":true,"source":"tone:1000","window":[1,2]}`))
	is.NoErr(err)
	is.Equal(kv[KeyFFTSize], "2048")
	is.Equal(kv[KeySampleRate], "2400000")
	is.Equal(kv[KeySnapshotTrigger], "true")
	is.Equal(kv[KeySource], "tone:1000")
	is.Equal(kv["window"], "[1,2]")

	kv, err = ParseMessage([]byte(`{"type":"control","values":{"center-frequency":100000000}}`))
	is.NoErr(err)
	is.Equal(kv["type"], "control")
	is.Equal(kv[KeyCentreFrequency], "100000000")

	_, err = ParseMessage([]byte(`[1,2,3]`))
	is.True(err != nil)
	_, err = ParseMessage([]byte(`{"broken"`))
	is.True(err != nil)
}

func TestStatusTakeClears(t *testing.T) {
	is := is.New(t)
	var s Status

	is.Equal(s.Take(), "")
	s.Errorf("source %s: %v", "tcp:x", errors.New("refused"))
	s.Add(nil)
	s.Add(errors.New("disk full"))
	is.True(s.Pending())

	is.Equal(s.Take(), "source tcp:x: refused; disk full")
	is.True(!s.Pending())
	is.Equal(s.Take(), "")
}
