// Package control carries configuration changes from any goroutine into the
// single-threaded pipeline, and errors back out.
package control

import (
	"context"
	"strings"
	"sync"
)

// Keys understood by the pipeline. Unknown keys are ignored there.
const (
	KeySource          = "source"
	KeyFormat          = "format"
	KeySampleRate      = "sample-rate"
	KeyCentreFrequency = "centre-frequency"
	KeyFFTSize         = "fft-size"
	KeyFFTWindow       = "fft-window"
	KeyFFTBackend      = "fft-backend"
	KeyTargetFPS       = "target-fps"
	KeyNoiseFloorAlpha = "noise-floor-alpha"
	KeyStop            = "stop"

	KeySnapshotTrigger = "snapshot-trigger"
	KeySnapshotArm     = "snapshot-arm"
	KeySnapshotName    = "snapshot-name"
	KeySnapshotDir     = "snapshot-dir"
	KeySnapshotWindow  = "snapshot-pre-post-trigger-ms"
	KeySnapshotMaxSize = "snapshot-max-size"
	KeySnapshotFormat  = "snapshot-format"
)

var aliases = map[string]string{
	"center-frequency": KeyCentreFrequency,
	"centre-freq":      KeyCentreFrequency,
	"center-freq":      KeyCentreFrequency,
	"samplerate":       KeySampleRate,
	"fps":              KeyTargetFPS,
}

// Canonical lower-cases a key and resolves spelling aliases.
func Canonical(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, "_", "-")
	if c, ok := aliases[k]; ok {
		return c
	}
	return k
}

// Updates is a last-write-wins mailbox. Writers call Set from any goroutine;
// the pipeline calls Drain once per cycle and Ack after applying the batch.
type Updates struct {
	mu      sync.Mutex
	pending map[string]string
	gen     uint64
	applied uint64
	wake    chan struct{}
}

// NewUpdates returns an empty mailbox.
func NewUpdates() *Updates {
	return &Updates{pending: make(map[string]string), wake: make(chan struct{})}
}

// Set stores value under key, replacing any value not yet drained. It
// returns the generation that will include the change.
func (u *Updates) Set(key, value string) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending[Canonical(key)] = value
	u.gen++
	return u.gen
}

// SetMany stores several values as one generation.
func (u *Updates) SetMany(kv map[string]string) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	for k, v := range kv {
		u.pending[Canonical(k)] = v
	}
	u.gen++
	return u.gen
}

// Drain swaps out every pending value. gen identifies the batch for Ack.
func (u *Updates) Drain() (batch map[string]string, gen uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return nil, u.gen
	}
	batch = u.pending
	u.pending = make(map[string]string, len(batch))
	return batch, u.gen
}

// Ack marks every generation up to gen as applied.
func (u *Updates) Ack(gen uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if gen <= u.applied {
		return
	}
	u.applied = gen
	close(u.wake)
	u.wake = make(chan struct{})
}

// Generation is the newest generation handed out by Set.
func (u *Updates) Generation() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen
}

// Applied is the newest generation acknowledged by the pipeline.
func (u *Updates) Applied() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.applied
}

// WaitApplied blocks until generation gen has been applied.
func (u *Updates) WaitApplied(ctx context.Context, gen uint64) error {
	for {
		u.mu.Lock()
		done, wake := u.applied >= gen, u.wake
		u.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
