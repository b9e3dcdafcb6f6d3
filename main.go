package main

import (
	"context"
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/config"
	"github.com/ocupoint/iqscope/pkg/metrics"
	"github.com/ocupoint/iqscope/pkg/pipeline"
	"github.com/ocupoint/iqscope/pkg/snapshot"
	"github.com/ocupoint/iqscope/pkg/source"
	"github.com/ocupoint/iqscope/pkg/spectral"
)

//go:embed templates/*
var templatesFS embed.FS

// sizeFlag handles byte counts with KB, MB and GB units.
type sizeFlag int64

func (s *sizeFlag) String() string { return snapshot.FormatSize(int64(*s)) }

func (s *sizeFlag) Set(value string) error {
	n, err := snapshot.ParseSize(value)
	if err != nil {
		return err
	}
	*s = sizeFlag(n)
	return nil
}

func (s *sizeFlag) Type() string { return "size" }

// options are the flags shared by every command. A flag that was set wins
// over the config file.
type options struct {
	configPath string
	logLevel   string

	source     string
	format     string
	sampleRate float64
	centreHz   float64
	fftSize    int
	window     string
	backend    string
	targetFPS  float64

	snapshotDir    string
	snapshotName   string
	snapshotFormat string
	maxSize        sizeFlag
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{maxSize: sizeFlag(snapshot.DefaultConfig().MaxFileSize)}
	root := &cobra.Command{
		Use:          "iqscope",
		Short:        "Live spectrum monitor and I/Q snapshot recorder",
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "INI config file (watched for changes)")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVarP(&opts.source, "source", "d", "", "sample source, e.g. tone, device:/dev/xdma0_c2h_0, tcp:host:port, file:path, shm:name")
	f.StringVar(&opts.format, "format", "", "wire format: int8, uint8, int16be, int16le")
	f.Float64Var(&opts.sampleRate, "sample-rate", 0, "sample rate in Hz")
	f.Float64Var(&opts.centreHz, "centre-frequency", 0, "centre frequency in Hz")
	f.IntVar(&opts.fftSize, "fft-size", 0, "spectrum length")
	f.StringVar(&opts.window, "window", "", "hamming, hann, blackman or rectangular")
	f.StringVar(&opts.backend, "fft-backend", "", "auto, radix2, gonum or godsp")
	f.Float64Var(&opts.targetFPS, "fps", 0, "target spectra per second for display")
	f.StringVar(&opts.snapshotDir, "snapshot-dir", "", "directory snapshots are written to")
	f.StringVarP(&opts.snapshotName, "output", "o", "", "snapshot base name")
	f.StringVar(&opts.snapshotFormat, "snapshot-format", "", "raw, wav or parquet")
	f.VarP(&opts.maxSize, "max-size", "s", "snapshot size limit (e.g. 100MB, 1GB)")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newCaptureCmd(opts),
		newSimCmd(),
	)
	return root
}

// load merges defaults, the config file and flags that were set.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}

	changed := cmd.Flags().Changed
	p := &cfg.Pipeline
	if changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if changed("source") {
		p.Source = o.source
	}
	if changed("format") {
		wf, err := codec.ParseWireFormat(o.format)
		if err != nil {
			return cfg, err
		}
		p.Acquisition.Format = wf
	}
	if changed("sample-rate") {
		p.Acquisition.SampleRate = o.sampleRate
	}
	if changed("centre-frequency") {
		p.Acquisition.CentreHz = o.centreHz
	}
	if changed("fft-size") {
		p.FFTSize = o.fftSize
	}
	if changed("window") {
		w, err := spectral.ParseWindow(o.window)
		if err != nil {
			return cfg, err
		}
		p.Window = w
	}
	if changed("fft-backend") {
		p.Backend = o.backend
	}
	if changed("fps") {
		p.Delivery.TargetFPS = o.targetFPS
	}
	if changed("snapshot-dir") {
		p.Snapshot.Dir = o.snapshotDir
	}
	if changed("output") {
		p.Snapshot.BaseName = o.snapshotName
	}
	if changed("snapshot-format") {
		sf, err := snapshot.ParseFormat(o.snapshotFormat)
		if err != nil {
			return cfg, err
		}
		p.Snapshot.Format = sf
	}
	if changed("max-size") {
		p.Snapshot.MaxFileSize = int64(o.maxSize)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// app is what every command starts from: settings, logger, metrics and a
// driver that has not started running yet.
type app struct {
	cfg     config.Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	driver  *pipeline.Driver
}

func (o *options) start(cmd *cobra.Command) (*app, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	acq := cfg.Pipeline.Acquisition
	acq.Logger = logger.Named("source")
	src, openErr := source.Open(cfg.Pipeline.Source, acq)
	if openErr != nil {
		logger.Errorw("failed to open source", "source", cfg.Pipeline.Source, "error", openErr)
		src = nil
	}

	m := metrics.New()
	d := pipeline.New(cfg.Pipeline, src,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMetrics(m),
	)
	if openErr != nil {
		d.Errors().Errorf("opening source %s: %v", cfg.Pipeline.Source, openErr)
	}
	return &app{cfg: cfg, logger: logger, metrics: m, driver: d}, nil
}

// watchConfig follows the config file for the life of ctx, if there is one.
func (o *options) watchConfig(ctx context.Context, a *app) {
	if o.configPath == "" {
		return
	}
	go func() {
		if err := config.Watch(ctx, o.configPath, a.cfg, a.driver.Updates(), a.logger.Named("config")); err != nil {
			a.logger.Warnw("config watcher stopped", "error", err)
		}
	}()
}
