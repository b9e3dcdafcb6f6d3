package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/snapshot"
	"github.com/ocupoint/iqscope/pkg/source"
	"github.com/ocupoint/iqscope/pkg/spectral"
)

// applyOrder fixes the order keys from one batch take effect: a new source
// first so that tuning keys in the same batch reach it, recorder
// configuration before arming and triggering, stop last.
var applyOrder = []string{
	control.KeySource,
	control.KeyFormat,
	control.KeySampleRate,
	control.KeyCentreFrequency,
	control.KeyFFTSize,
	control.KeyFFTWindow,
	control.KeyFFTBackend,
	control.KeyNoiseFloorAlpha,
	control.KeyTargetFPS,
	control.KeySnapshotName,
	control.KeySnapshotDir,
	control.KeySnapshotWindow,
	control.KeySnapshotMaxSize,
	control.KeySnapshotFormat,
	control.KeySnapshotArm,
	control.KeySnapshotTrigger,
	control.KeyStop,
}

var errNotTunable = errors.New("source does not accept tuning changes")

func (d *Driver) applyUpdates() {
	batch, gen := d.updates.Drain()
	if len(batch) == 0 {
		return
	}
	defer d.updates.Ack(gen)

	snap := d.recorder.Config()
	snapChanged := false

	for _, key := range applyOrder {
		value, ok := batch[key]
		if !ok {
			continue
		}
		delete(batch, key)

		var err error
		switch key {
		case control.KeySnapshotName, control.KeySnapshotDir, control.KeySnapshotWindow,
			control.KeySnapshotMaxSize, control.KeySnapshotFormat:
			err = applySnapshotKey(&snap, key, value)
			snapChanged = snapChanged || err == nil
		case control.KeySnapshotArm, control.KeySnapshotTrigger, control.KeyStop:
			if snapChanged {
				d.reconfigureRecorder(snap)
				snapChanged = false
			}
			err = d.applyFlag(key, value)
		default:
			err = d.apply(key, value)
		}
		if err != nil {
			d.errs.Errorf("%s=%q: %v", key, value, err)
			d.logger.Warnw("control update rejected", "key", key, "value", value, "error", err)
			continue
		}
		d.logger.Debugw("control update applied", "key", key, "value", value)
	}
	if snapChanged {
		d.reconfigureRecorder(snap)
	}
	for key := range batch {
		d.logger.Debugw("ignoring unknown control key", "key", key)
	}
	d.publish()
}

func (d *Driver) apply(key, value string) error {
	switch key {
	case control.KeySource:
		return d.switchSource(value)

	case control.KeyFormat:
		f, err := codec.ParseWireFormat(value)
		if err != nil {
			return err
		}
		return d.tune(func(t source.Tunable) error { return t.SetFormat(f) }, func() { d.cfg.Acquisition.Format = f })

	case control.KeySampleRate:
		hz, err := parseFloat(value)
		if err != nil {
			return err
		}
		return d.tune(func(t source.Tunable) error { return t.SetSampleRate(hz) }, func() { d.cfg.Acquisition.SampleRate = hz })

	case control.KeyCentreFrequency:
		hz, err := parseFloat(value)
		if err != nil {
			return err
		}
		return d.tune(func(t source.Tunable) error { return t.SetCentreFrequency(hz) }, func() { d.cfg.Acquisition.CentreHz = hz })

	case control.KeyFFTSize:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		if n < 2 || n > MaxFFTSize {
			return fmt.Errorf("fft size must be in [2, %d]", MaxFFTSize)
		}
		d.fftSize = n

	case control.KeyFFTWindow:
		w, err := spectral.ParseWindow(value)
		if err != nil {
			return err
		}
		d.engine.SetWindow(w)

	case control.KeyFFTBackend:
		sel, err := selectorFor(value, d.planners)
		if err != nil {
			return err
		}
		d.engine.SetSelector(sel)
		d.cfg.Backend = value

	case control.KeyNoiseFloorAlpha:
		a, err := parseFloat(value)
		if err != nil {
			return err
		}
		if !(a > 0) || a > 1 {
			return errors.New("alpha must be in (0, 1]")
		}
		d.engine.SetAlpha(a)

	case control.KeyTargetFPS:
		fps, err := parseFloat(value)
		if err != nil {
			return err
		}
		d.delivery.SetTargetFPS(fps)
	}
	return nil
}

func (d *Driver) applyFlag(key, value string) error {
	on, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	switch key {
	case control.KeySnapshotArm:
		if on {
			d.recorder.Arm()
		}
	case control.KeySnapshotTrigger:
		d.trigger = on
	case control.KeyStop:
		if on {
			d.stopped = true
		}
	}
	return nil
}

// tune applies a change to a tunable source and remembers it for sources
// opened later.
func (d *Driver) tune(set func(source.Tunable) error, remember func()) error {
	t, ok := d.src.(source.Tunable)
	if !ok {
		return errNotTunable
	}
	if err := set(t); err != nil {
		return err
	}
	remember()
	return nil
}

func (d *Driver) switchSource(spec string) error {
	opts := d.cfg.Acquisition
	next, err := d.open(spec, opts)
	if err != nil {
		return err
	}
	if err := d.src.Close(); err != nil {
		d.logger.Debugw("closing previous source", "error", err)
	}
	d.logger.Infow("source switched", "from", d.cfg.Source, "to", spec)
	d.src = next
	d.cfg.Source = spec
	d.fallback = false
	return nil
}

func (d *Driver) reconfigureRecorder(cfg snapshot.Config) {
	out, err := d.recorder.Configure(cfg)
	d.recorded(out, err)
}

func applySnapshotKey(cfg *snapshot.Config, key, value string) error {
	switch key {
	case control.KeySnapshotName:
		value = strings.TrimSpace(value)
		if value == "" {
			return errors.New("empty snapshot name")
		}
		if dir := filepath.Dir(value); dir != "." {
			cfg.Dir = dir
		}
		cfg.BaseName = filepath.Base(value)

	case control.KeySnapshotDir:
		cfg.Dir = strings.TrimSpace(value)

	case control.KeySnapshotWindow:
		pre, post, ok := strings.Cut(value, ",")
		if !ok {
			return errors.New(`want "pre,post" in milliseconds`)
		}
		preMS, err := strconv.Atoi(strings.TrimSpace(pre))
		if err != nil {
			return err
		}
		postMS, err := strconv.Atoi(strings.TrimSpace(post))
		if err != nil {
			return err
		}
		if preMS < 0 || postMS < 0 {
			return errors.New("negative trigger window")
		}
		cfg.PreTriggerMS, cfg.PostTriggerMS = preMS, postMS

	case control.KeySnapshotMaxSize:
		n, err := snapshot.ParseSize(value)
		if err != nil {
			return err
		}
		cfg.MaxFileSize = n

	case control.KeySnapshotFormat:
		f, err := snapshot.ParseFormat(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		cfg.Format = f
	}
	return nil
}

// selectorFor maps a backend name to a selection policy.
func selectorFor(name string, planners []spectral.Planner) (spectral.Selector, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" || name == "fastest" {
		return spectral.FastestOf{}, nil
	}
	known := make([]string, 0, len(planners))
	for _, p := range planners {
		if p.Name() == name {
			return spectral.Fixed{Name: name}, nil
		}
		known = append(known, p.Name())
	}
	return nil, fmt.Errorf("unknown fft backend %q (have auto, %s)", name, strings.Join(known, ", "))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
