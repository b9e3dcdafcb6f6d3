package pipeline

// Status is a point-in-time view of the driver, safe to read from any
// goroutine.
type Status struct {
	Cycles     uint64  `json:"cycles"`
	Source     string  `json:"source"`
	Fallback   bool    `json:"fallback"`
	Connected  bool    `json:"connected"`
	SampleRate float64 `json:"sample_rate"`
	CentreHz   float64 `json:"centre_hz"`
	Format     string  `json:"format"`

	FFTSize int    `json:"fft_size"`
	Window  string `json:"fft_window"`
	Backend string `json:"fft_backend"`

	TargetFPS     float64 `json:"target_fps"`
	UserFPS       float64 `json:"user_fps"`
	MeasuredFPS   float64 `json:"measured_fps"`
	AckLagSec     float64 `json:"consumer_ack_lag_sec"`
	FPSOverridden bool    `json:"fps_overridden"`
	Decimation    int     `json:"decimation"`

	Recorder      string `json:"recorder"`
	SnapshotBytes uint64 `json:"snapshot_bytes"`
	LastFile      string `json:"last_file,omitempty"`

	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

func (d *Driver) publish() {
	del := d.delivery.Summary()
	sess := d.recorder.Session()
	st := &Status{
		Cycles:        d.cycles,
		Source:        d.cfg.Source,
		Fallback:      d.fallback,
		Connected:     d.src.Connected(),
		SampleRate:    d.src.SampleRate(),
		CentreHz:      d.src.CentreFrequency(),
		Format:        d.src.Format().String(),
		FFTSize:       d.fftSize,
		Window:        string(d.engine.Window()),
		Backend:       d.engine.Backend(),
		TargetFPS:     del.TargetFPS,
		UserFPS:       del.UserFPS,
		MeasuredFPS:   del.MeasuredFPS,
		AckLagSec:     del.ConsumerAckLagSec,
		FPSOverridden: del.FPSOverridden,
		Decimation:    del.Decimation,
		Recorder:      sess.State.String(),
		SnapshotBytes: sess.BytesWritten,
		LastFile:      d.lastFile,
		Stopped:       d.stopped,
	}
	d.status.Store(st)
	d.metrics.UpdateDelivery(del.MeasuredFPS, del.TargetFPS, del.ConsumerAckLagSec)
}

// Status returns the latest published view. Error carries everything
// reported since the previous call and is cleared by reading it.
func (d *Driver) Status() Status {
	st := *d.status.Load()
	st.Error = d.errs.Take()
	return st
}
