// Package stats ストリーミング中のカメラの統計値を定期的に採取する
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"otcsnap/internal/driver"
	"otcsnap/internal/metrics"
)

// Config は採取の周期と集計の設定
type Config struct {
	PollInterval time.Duration // カウンタを読む間隔
	Window       time.Duration // レートを平均する長さ
	ReportEvery  int           // 何ウィンドウごとにコンソールへ出力するか（0で出力しない）
}

// DefaultConfig はデフォルトの採取設定を返す
func DefaultConfig() Config {
	return Config{
		PollInterval: 20 * time.Millisecond,
		Window:       500 * time.Millisecond,
		ReportEvery:  2,
	}
}

// CounterSource はオープン中のカメラの属性を読む
type CounterSource interface {
	AttrUint32(name string) (uint32, error)
	AttrFloat32(name string) (float32, error)
}

// Labels はメトリクスとログに付与する識別子
type Labels struct {
	Slot       string
	HardwareID string
}

// Snapshot は直近の採取結果
type Snapshot struct {
	Completed        uint32    `json:"completed"`
	Dropped          uint32    `json:"dropped"`
	PacketsMissed    uint32    `json:"packets_missed"`
	PacketsErroneous uint32    `json:"packets_erroneous"`
	DriverRate       float32   `json:"driver_rate"`
	Rate             float64   `json:"rate"`
	Windows          uint64    `json:"windows"`
	Discontinuities  uint64    `json:"discontinuities"`
	Failures         uint64    `json:"failures"`
	SampledAt        time.Time `json:"sampled_at"`
}

// String はコンソール出力用の1行を返す
func (s Snapshot) String() string {
	return fmt.Sprintf("%d / %d / %d / %d / %.2f (fps)",
		s.Completed, s.Dropped, s.PacketsMissed, s.PacketsErroneous, s.Rate)
}

// Sampler は1セッション分の統計採取ループ
type Sampler struct {
	src     CounterSource
	cfg     Config
	labels  Labels
	logger  zerolog.Logger
	metrics *metrics.Metrics
	stop    func() bool

	window *Window // 採取ゴルーチンのみが触る

	mu   sync.RWMutex
	snap Snapshot
}

// NewSampler は新しいSamplerを作成する
// stop が true を返すとループは次の周期で終了する
func NewSampler(src CounterSource, cfg Config, labels Labels, logger zerolog.Logger, m *metrics.Metrics, stop func() bool) *Sampler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Sampler{
		src:     src,
		cfg:     cfg,
		labels:  labels,
		logger:  logger.With().Str("component", "stats").Logger(),
		metrics: m,
		stop:    stop,
		window:  NewWindow(cfg.Window),
	}
}

// Run はコンテキストのキャンセルか停止条件の成立までカウンタを採取し続ける
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.stop != nil && s.stop() {
				return
			}
			_ = s.Sample(now)
		}
	}
}

type counters struct {
	completed, dropped, missed, erroneous uint32
	driverRate                            float32
}

func (s *Sampler) read() (counters, error) {
	var c counters
	var err error

	if c.completed, err = s.src.AttrUint32(driver.AttrStatFramesCompleted); err != nil {
		return c, err
	}
	if c.dropped, err = s.src.AttrUint32(driver.AttrStatFramesDropped); err != nil {
		return c, err
	}
	if c.missed, err = s.src.AttrUint32(driver.AttrStatPacketsMissed); err != nil {
		return c, err
	}
	if c.erroneous, err = s.src.AttrUint32(driver.AttrStatPacketsErroneous); err != nil {
		return c, err
	}
	if c.driverRate, err = s.src.AttrFloat32(driver.AttrStatFrameRate); err != nil {
		return c, err
	}
	return c, nil
}

// Sample はカウンタを1回採取する
// 読み取りに失敗した場合はその回の値をすべて捨て、ウィンドウを最初からやり直す
func (s *Sampler) Sample(now time.Time) error {
	c, err := s.read()
	if err != nil {
		s.window.Reset()
		s.mu.Lock()
		s.snap.Failures++
		s.mu.Unlock()
		s.metrics.IncSampleFailure(s.labels.Slot, s.labels.HardwareID)
		s.logger.Warn().Err(err).Msg("統計値の取得に失敗したため今回の採取を破棄します")
		return fmt.Errorf("統計値の取得に失敗: %w", err)
	}

	rate, rolled, discontinuity := s.window.Observe(c.completed, now)

	s.mu.Lock()
	s.snap.Completed = c.completed
	s.snap.Dropped = c.dropped
	s.snap.PacketsMissed = c.missed
	s.snap.PacketsErroneous = c.erroneous
	s.snap.DriverRate = c.driverRate
	s.snap.Rate = rate
	s.snap.SampledAt = now
	if discontinuity {
		s.snap.Discontinuities++
	}
	if rolled {
		s.snap.Windows++
	}
	snap := s.snap
	s.mu.Unlock()

	s.metrics.SetCounters(s.labels.Slot, s.labels.HardwareID, c.completed, c.dropped, c.missed, c.erroneous, c.driverRate)

	if discontinuity {
		s.metrics.IncDiscontinuity(s.labels.Slot, s.labels.HardwareID)
		s.logger.Warn().
			Uint32("completed", c.completed).
			Msg("完了フレーム数が減少しました。カウンタのリセットとみなして集計をやり直します")
	}

	if rolled {
		s.metrics.SetRate(s.labels.Slot, s.labels.HardwareID, rate)
		if s.cfg.ReportEvery > 0 && snap.Windows%uint64(s.cfg.ReportEvery) == 0 {
			s.logger.Info().
				Uint32("completed", snap.Completed).
				Uint32("dropped", snap.Dropped).
				Uint32("missed", snap.PacketsMissed).
				Uint32("erroneous", snap.PacketsErroneous).
				Float64("rate", snap.Rate).
				Msg(snap.String())
		}
	}
	return nil
}

// Snapshot は直近の採取結果を返す
func (s *Sampler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
