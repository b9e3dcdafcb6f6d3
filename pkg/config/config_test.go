package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap/zaptest"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/snapshot"
	"github.com/ocupoint/iqscope/pkg/spectral"
)

const sample = `
[source]
spec = tcp:127.0.0.1:1234
sample-rate = 6e6
centre-frequency = 433.92e6
format = int8
reconnect-delay = 250ms

[spectrum]
fft-size = 4096
window = blackman
backend = gonum

[delivery]
target-fps = 30

[snapshot]
dir = /data/captures
name = burst
post-trigger-ms = 500
max-size = 64MB
format = wav

[server]
listen = 127.0.0.1:9000

[log]
level = debug
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "iqscope.ini")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	is := is.New(t)
	cfg, err := Load(writeConfig(t, t.TempDir(), sample))
	is.NoErr(err)

	p := cfg.Pipeline
	is.Equal(p.Source, "tcp:127.0.0.1:1234")
	is.Equal(p.Acquisition.SampleRate, 6e6)
	is.Equal(p.Acquisition.CentreHz, 433.92e6)
	is.Equal(p.Acquisition.Format, codec.Int8)
	is.Equal(p.ReconnectDelay, 250*time.Millisecond)
	is.Equal(p.FFTSize, 4096)
	is.Equal(p.Window, spectral.Blackman)
	is.Equal(p.Backend, "gonum")
	is.Equal(p.Delivery.TargetFPS, 30.0)
	is.Equal(p.Snapshot.Dir, "/data/captures")
	is.Equal(p.Snapshot.BaseName, "burst")
	is.Equal(p.Snapshot.PostTriggerMS, 500)
	is.Equal(p.Snapshot.MaxFileSize, int64(64<<20))
	is.Equal(p.Snapshot.Format, snapshot.FormatWAV)
	is.Equal(cfg.Server.Listen, "127.0.0.1:9000")
	is.Equal(cfg.LogLevel, "debug")

	// untouched keys keep their defaults
	def := Default()
	is.Equal(p.Alpha, def.Pipeline.Alpha)
	is.Equal(p.Delivery.Capacity, def.Pipeline.Delivery.Capacity)
	is.Equal(cfg.Server.ReceiveTimeout, def.Server.ReceiveTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()

	_, err := Load(writeConfig(t, dir, "[spectrum]\nfft-size = lots\n"))
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "[spectrum] fft-size"))

	_, err = Load(writeConfig(t, dir, "[snapshot]\nformat = mp3\n"))
	is.True(err != nil)

	_, err = Load(filepath.Join(dir, "missing.ini"))
	is.True(err != nil)
}

func TestControlValuesAndDiff(t *testing.T) {
	is := is.New(t)
	a := Default()
	b := Default()
	b.Pipeline.FFTSize = 2048
	b.Pipeline.Snapshot.PostTriggerMS = 250

	values := ControlValues(b)
	is.Equal(values[control.KeyFFTSize], "2048")
	is.Equal(values[control.KeySnapshotWindow], "0,250")
	is.Equal(values[control.KeySampleRate], "2.048e+06")

	changed := Diff(ControlValues(a), values)
	is.Equal(len(changed), 2)
	is.Equal(changed[control.KeyFFTSize], "2048")
	is.Equal(changed[control.KeySnapshotWindow], "0,250")
}

func TestWatchPostsChangedKeys(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, "[spectrum]\nfft-size = 1024\n")
	initial, err := Load(path)
	is.NoErr(err)

	updates := control.NewUpdates()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, initial, updates, zaptest.NewLogger(t).Sugar()) }()

	// keep rewriting until the watcher is registered and reacts
	deadline := time.Now().Add(5 * time.Second)
	for updates.Generation() == 0 && time.Now().Before(deadline) {
		writeConfig(t, dir, "[spectrum]\nfft-size = 8192\n")
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	is.NoErr(<-done)

	batch, _ := updates.Drain()
	is.Equal(batch[control.KeyFFTSize], "8192")
	_, other := batch[control.KeySource]
	is.True(!other) // only changed keys are posted
}
