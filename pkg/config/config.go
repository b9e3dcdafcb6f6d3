// Package config loads iqscope settings from an INI file and keeps a running
// pipeline in step with later edits to it.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/pipeline"
	"github.com/ocupoint/iqscope/pkg/snapshot"
	"github.com/ocupoint/iqscope/pkg/spectral"
)

// Server holds the HTTP/WebSocket adapter settings.
type Server struct {
	Listen         string
	ReceiveTimeout time.Duration
	WriteTimeout   time.Duration
}

// Config is everything a command needs to start.
type Config struct {
	Pipeline pipeline.Config
	Server   Server
	LogLevel string
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Pipeline: pipeline.DefaultConfig(),
		Server: Server{
			Listen:         ":8080",
			ReceiveTimeout: 100 * time.Millisecond,
			WriteTimeout:   time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value; a malformed value is an error naming section and key.
func Load(path string) (Config, error) {
	cfg := Default()
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return cfg, fmt.Errorf("loading config %s: %w", path, err)
	}
	r := reader{file: file}

	p := &cfg.Pipeline
	r.str("source", "spec", &p.Source)
	r.float("source", "sample-rate", &p.Acquisition.SampleRate)
	r.float("source", "centre-frequency", &p.Acquisition.CentreHz)
	r.parse("source", "format", func(v string) error {
		f, err := codec.ParseWireFormat(v)
		p.Acquisition.Format = f
		return err
	})
	r.int("source", "reconnect-attempts", &p.ReconnectAttempts)
	r.duration("source", "reconnect-delay", &p.ReconnectDelay)
	r.duration("source", "reconnect-max-delay", &p.ReconnectMaxDelay)

	r.int("spectrum", "fft-size", &p.FFTSize)
	r.parse("spectrum", "window", func(v string) error {
		w, err := spectral.ParseWindow(v)
		p.Window = w
		return err
	})
	r.str("spectrum", "backend", &p.Backend)
	r.float("spectrum", "noise-floor-alpha", &p.Alpha)

	r.float("delivery", "target-fps", &p.Delivery.TargetFPS)
	r.float("delivery", "override-fps", &p.Delivery.OverrideFPS)
	r.int("delivery", "capacity", &p.Delivery.Capacity)
	r.duration("delivery", "lag-threshold", &p.Delivery.LagThreshold)

	r.str("snapshot", "dir", &p.Snapshot.Dir)
	r.str("snapshot", "name", &p.Snapshot.BaseName)
	r.int("snapshot", "pre-trigger-ms", &p.Snapshot.PreTriggerMS)
	r.int("snapshot", "post-trigger-ms", &p.Snapshot.PostTriggerMS)
	r.parse("snapshot", "max-size", func(v string) error {
		n, err := snapshot.ParseSize(v)
		p.Snapshot.MaxFileSize = n
		return err
	})
	r.parse("snapshot", "format", func(v string) error {
		f, err := snapshot.ParseFormat(v)
		p.Snapshot.Format = f
		return err
	})

	r.str("server", "listen", &cfg.Server.Listen)
	r.duration("server", "receive-timeout", &cfg.Server.ReceiveTimeout)
	r.duration("server", "write-timeout", &cfg.Server.WriteTimeout)

	r.str("log", "level", &cfg.LogLevel)

	if r.err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, r.err)
	}
	return cfg, nil
}

// ControlValues expresses the runtime-adjustable part of cfg as control
// key/values, the form a running pipeline accepts changes in.
func ControlValues(cfg Config) map[string]string {
	p := cfg.Pipeline
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		control.KeySource:          p.Source,
		control.KeySampleRate:      f(p.Acquisition.SampleRate),
		control.KeyCentreFrequency: f(p.Acquisition.CentreHz),
		control.KeyFormat:          p.Acquisition.Format.String(),
		control.KeyFFTSize:         strconv.Itoa(p.FFTSize),
		control.KeyFFTWindow:       string(p.Window),
		control.KeyFFTBackend:      p.Backend,
		control.KeyNoiseFloorAlpha: f(p.Alpha),
		control.KeyTargetFPS:       f(p.Delivery.TargetFPS),
		control.KeySnapshotName:    p.Snapshot.BaseName,
		control.KeySnapshotDir:     p.Snapshot.Dir,
		control.KeySnapshotWindow:  fmt.Sprintf("%d,%d", p.Snapshot.PreTriggerMS, p.Snapshot.PostTriggerMS),
		control.KeySnapshotMaxSize: strconv.FormatInt(p.Snapshot.MaxFileSize, 10),
		control.KeySnapshotFormat:  string(p.Snapshot.Format),
	}
}

// Diff returns the entries of next that differ from prev.
func Diff(prev, next map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			out[k] = v
		}
	}
	return out
}

// reader keeps the first error so Load can read every key in a row.
type reader struct {
	file *ini.File
	err  error
}

func (r *reader) key(section, name string) (*ini.Key, bool) {
	if r.err != nil {
		return nil, false
	}
	sec, err := r.file.GetSection(section)
	if err != nil || !sec.HasKey(name) {
		return nil, false
	}
	return sec.Key(name), true
}

func (r *reader) fail(section, name string, err error) {
	r.err = fmt.Errorf("[%s] %s: %w", section, name, err)
}

func (r *reader) str(section, name string, dst *string) {
	if k, ok := r.key(section, name); ok {
		*dst = strings.TrimSpace(k.String())
	}
}

func (r *reader) float(section, name string, dst *float64) {
	k, ok := r.key(section, name)
	if !ok {
		return
	}
	v, err := k.Float64()
	if err != nil {
		r.fail(section, name, err)
		return
	}
	*dst = v
}

func (r *reader) int(section, name string, dst *int) {
	k, ok := r.key(section, name)
	if !ok {
		return
	}
	v, err := k.Int()
	if err != nil {
		r.fail(section, name, err)
		return
	}
	*dst = v
}

func (r *reader) duration(section, name string, dst *time.Duration) {
	k, ok := r.key(section, name)
	if !ok {
		return
	}
	v, err := k.Duration()
	if err != nil {
		r.fail(section, name, err)
		return
	}
	*dst = v
}

func (r *reader) parse(section, name string, set func(string) error) {
	k, ok := r.key(section, name)
	if !ok {
		return
	}
	if err := set(strings.TrimSpace(k.String())); err != nil {
		r.fail(section, name, err)
	}
}
