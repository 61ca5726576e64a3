// Package app は設定から各コンポーネントを組み立て、デーモンを実行する
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/image/tiff"

	"otcsnap/internal/alert"
	"otcsnap/internal/camera"
	"otcsnap/internal/config"
	"otcsnap/internal/driver"
	"otcsnap/internal/driver/v4l2"
	"otcsnap/internal/encoder"
	"otcsnap/internal/metrics"
	"otcsnap/internal/server"
	"otcsnap/internal/sink"
)

// simSpec はシミュレーションカメラの特性
var simSpec = driver.DeviceSpec{
	Width:        320,
	Height:       240,
	Format:       driver.PixelMono8,
	Exposure:     15000,
	Gain:         0,
	WhiteBalRed:  100,
	WhiteBalBlue: 100,
}

// App は組み立て済みのコンポーネント
type App struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *camera.Registry
	server   *server.Server
	gatherer *prometheus.Registry
	sim      *driver.MockDriver
	bell     io.Writer
}

// Option はAppの組み立てを調整する
type Option func(*App)

// WithBellWriter は警告音の出力先を差し替える
func WithBellWriter(w io.Writer) Option {
	return func(a *App) {
		a.bell = w
	}
}

// New は設定からAppを組み立てる
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		gatherer: prometheus.NewRegistry(),
		bell:     os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.gatherer)

	drv, err := a.newDriver()
	if err != nil {
		return nil, err
	}

	enc := encoder.NewTIFF()
	if cfg.Sink.Compression == "deflate" {
		enc.Compression = tiff.Deflate
	}

	alerters := alert.Multi{alert.NewLogAlerter(logger)}
	if cfg.Sink.Bell {
		alerters = append(alerters, alert.NewBellAlerter(a.bell))
	}
	fs := sink.New(cfg.SinkOptions(), enc, alerters, logger, m)

	slots, err := cfg.SlotMap()
	if err != nil {
		return nil, fmt.Errorf("スロット設定が不正です: %w", err)
	}
	a.registry = camera.NewRegistry(drv, fs, slots, cfg.Session(), logger, camera.WithMetrics(m))

	if cfg.Server.Enabled {
		a.server = server.New(cfg, a.registry, a.gatherer, m, logger)
	}

	logger.Info().
		Str("driver", cfg.Driver.Kind).
		Int("slots", cfg.Camera.Slots).
		Str("pinned", cfg.Camera.Pinned).
		Int("pool_size", cfg.Camera.PoolSize).
		Str("output_dir", cfg.Sink.OutputDir).
		Msg("設定を読み込みました")
	return a, nil
}

func (a *App) newDriver() (driver.Driver, error) {
	switch a.cfg.Driver.Kind {
	case config.DriverSim:
		var opts []driver.MockOption
		if a.cfg.Driver.SimRate > 0 {
			opts = append(opts, driver.WithFrameRate(a.cfg.Driver.SimRate))
		}
		a.sim = driver.NewMockDriver(opts...)
		for _, id := range a.cfg.SimCameraIDs() {
			a.sim.Plug(id, simSpec)
		}
		return a.sim, nil
	case config.DriverV4L2:
		vcfg := v4l2.DefaultConfig()
		vcfg.DeviceDir = a.cfg.Driver.DeviceDir
		d, err := v4l2.New(vcfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("V4L2 ドライバーの初期化に失敗: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("未対応のドライバーです: %q", a.cfg.Driver.Kind)
	}
}

// Registry はカメラのレジストリを返す
func (a *App) Registry() *camera.Registry {
	return a.registry
}

// Sim はシミュレーションドライバーを返す。sim 以外では nil
func (a *App) Sim() *driver.MockDriver {
	return a.sim
}

// Run は ctx がキャンセルされるまで取得を続け、すべてのセッションを停止してから戻る
func (a *App) Run(ctx context.Context) error {
	if err := a.registry.Start(ctx); err != nil {
		return err
	}

	// サーバーが無効なら nil のままにして select で待たない
	var serverErr chan error
	if a.server != nil {
		serverErr = make(chan error, 1)
		go func() {
			serverErr <- a.server.Start(ctx)
			close(serverErr)
		}()
	}

	go func() {
		if err := a.registry.WaitForCamera(ctx); err != nil {
			return
		}
		a.logger.Info().Int("streaming", a.registry.Streaming()).Msg("カメラの取得を開始しました")
	}()

	var errs []error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("停止要求を受け付けました")
	case err := <-serverErr:
		if err != nil {
			a.logger.Error().Err(err).Msg("HTTPサーバーが停止しました")
			errs = append(errs, err)
		}
	}

	if err := a.registry.Stop(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("セッションの停止に失敗: %w", err))
	}
	if serverErr != nil {
		for err := range serverErr {
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	a.logger.Info().Msg("停止しました")
	return errors.Join(errs...)
}

// Run は設定からAppを組み立てて実行する
func Run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
