package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"otcsnap/internal/camera"
	"otcsnap/internal/driver"
	"otcsnap/internal/sink"
	"otcsnap/internal/stats"
)

// EnvPrefix は環境変数の接頭辞
const EnvPrefix = "OTCSNAP"

// ドライバーの種類
const (
	DriverSim  = "sim"
	DriverV4L2 = "v4l2"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Driver DriverConfig `mapstructure:"driver"`
	Camera CameraConfig `mapstructure:"camera"`
	Stats  StatsConfig  `mapstructure:"stats"`
	Sink   SinkConfig   `mapstructure:"sink"`
}

// ServerConfig は状態確認用HTTPサーバーの設定
type ServerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`      // サーバーを起動するか
	Host        string        `mapstructure:"host"`         // リッスンするホスト
	Port        int           `mapstructure:"port"`         // リッスンするポート番号
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // 読み込みタイムアウト
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// DriverConfig はカメラドライバーの設定
type DriverConfig struct {
	Kind       string  `mapstructure:"kind"`        // sim または v4l2
	DeviceDir  string  `mapstructure:"device_dir"`  // v4l2 のデバイスディレクトリ
	SimCameras int     `mapstructure:"sim_cameras"` // sim で接続済みにするカメラ台数
	SimRate    float64 `mapstructure:"sim_rate"`    // sim のフレーム生成レート (fps)
}

// CameraConfig はセッションとスロットの設定
type CameraConfig struct {
	Slots         int           `mapstructure:"slots"`           // 同時に扱うカメラ台数
	PoolSize      int           `mapstructure:"pool_size"`       // カメラごとのバッファ数
	Pinned        string        `mapstructure:"pinned"`          // "id=slot,..." 形式の固定割り当て
	FrameRate     float64       `mapstructure:"frame_rate"`      // FixedRate トリガーのフレームレート
	MaxFrameBytes uint32        `mapstructure:"max_frame_bytes"` // 1フレームの上限バイト数
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`   // 停止時の返却待ちの上限
}

// StatsConfig は統計採取の設定
type StatsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Window       time.Duration `mapstructure:"window"`
	ReportEvery  int           `mapstructure:"report_every"`
}

// SinkConfig はフレーム保存の設定
type SinkConfig struct {
	OutputDir      string `mapstructure:"output_dir"`
	FallbackDir    string `mapstructure:"fallback_dir"`
	Compression    string `mapstructure:"compression"` // none または deflate
	KeyWidth       int    `mapstructure:"key_width"`
	TruncateDigits int    `mapstructure:"truncate_digits"`
	AlertCooldown  uint64 `mapstructure:"alert_cooldown"`
	Bell           bool   `mapstructure:"bell"`
}

// flagKeys はコマンドラインフラグと設定キーの対応
var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"driver":    "driver.kind",
	"output":    "sink.output_dir",
	"log-level": "log.level",
}

func setDefaults(v *viper.Viper) {
	sess := camera.DefaultConfig()
	sk := sink.DefaultConfig()
	st := stats.DefaultConfig()

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("driver.kind", DriverSim)
	v.SetDefault("driver.device_dir", "/dev")
	v.SetDefault("driver.sim_cameras", 2)
	v.SetDefault("driver.sim_rate", 30.0)

	v.SetDefault("camera.slots", 2)
	v.SetDefault("camera.pool_size", sess.PoolSize)
	v.SetDefault("camera.pinned", "")
	v.SetDefault("camera.frame_rate", float64(sess.FrameRate))
	v.SetDefault("camera.max_frame_bytes", sess.MaxFrameBytes)
	v.SetDefault("camera.drain_timeout", sess.DrainTimeout)

	v.SetDefault("stats.poll_interval", st.PollInterval)
	v.SetDefault("stats.window", st.Window)
	v.SetDefault("stats.report_every", st.ReportEvery)

	v.SetDefault("sink.output_dir", sk.OutputDir)
	v.SetDefault("sink.fallback_dir", sk.FallbackDir)
	v.SetDefault("sink.compression", "none")
	v.SetDefault("sink.key_width", sk.KeyWidth)
	v.SetDefault("sink.truncate_digits", sk.TruncateDigits)
	v.SetDefault("sink.alert_cooldown", sk.AlertCooldown)
	v.SetDefault("sink.bell", true)
}

// Load は既定値と環境変数から設定を読み込む
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags は既定値、環境変数、コマンドラインフラグの順に上書きした設定を読み込む
// 指定されなかったフラグは環境変数を上書きしない
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("フラグ %s の登録に失敗: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Driver.Kind {
	case DriverSim:
		if c.Driver.SimCameras < 0 {
			return fmt.Errorf("シミュレーションのカメラ台数が不正です: %d", c.Driver.SimCameras)
		}
		if c.Driver.SimRate < 0 {
			return fmt.Errorf("シミュレーションのフレームレートが不正です: %g", c.Driver.SimRate)
		}
	case DriverV4L2:
		if c.Driver.DeviceDir == "" {
			return fmt.Errorf("デバイスディレクトリが指定されていません")
		}
	default:
		return fmt.Errorf("未対応のドライバーです: %q", c.Driver.Kind)
	}

	if c.Camera.PoolSize < 1 {
		return fmt.Errorf("バッファ数が不正です: %d", c.Camera.PoolSize)
	}
	if c.Camera.FrameRate <= 0 {
		return fmt.Errorf("フレームレートが不正です: %g", c.Camera.FrameRate)
	}
	if c.Camera.DrainTimeout <= 0 {
		return fmt.Errorf("停止待ちの上限が不正です: %s", c.Camera.DrainTimeout)
	}
	if _, err := c.SlotMap(); err != nil {
		return err
	}

	if c.Stats.PollInterval <= 0 {
		return fmt.Errorf("統計の採取間隔が不正です: %s", c.Stats.PollInterval)
	}
	if c.Stats.Window < c.Stats.PollInterval {
		return fmt.Errorf("統計のウィンドウ %s が採取間隔 %s より短いです", c.Stats.Window, c.Stats.PollInterval)
	}
	if c.Stats.ReportEvery < 0 {
		return fmt.Errorf("統計の出力間隔が不正です: %d", c.Stats.ReportEvery)
	}

	if c.Sink.OutputDir == "" {
		return fmt.Errorf("出力先が指定されていません")
	}
	if c.Sink.KeyWidth < 1 {
		return fmt.Errorf("キーの桁数が不正です: %d", c.Sink.KeyWidth)
	}
	// uint64 の最大値は20桁
	if c.Sink.TruncateDigits < 0 || c.Sink.TruncateDigits > 19 {
		return fmt.Errorf("切り捨て桁数が不正です: %d", c.Sink.TruncateDigits)
	}
	switch c.Sink.Compression {
	case "none", "deflate":
	default:
		return fmt.Errorf("未対応の圧縮形式です: %q", c.Sink.Compression)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SlotMap は固定割り当てを解析してスロットの割り当て規則を作る
func (c *Config) SlotMap() (*camera.SlotMap, error) {
	pinned, err := camera.ParsePinned(c.Camera.Pinned)
	if err != nil {
		return nil, err
	}
	return camera.NewSlotMap(c.Camera.Slots, pinned)
}

// Session はセッションの設定を返す
func (c *Config) Session() camera.Config {
	return camera.Config{
		PoolSize:      c.Camera.PoolSize,
		FrameRate:     float32(c.Camera.FrameRate),
		MaxFrameBytes: c.Camera.MaxFrameBytes,
		DrainTimeout:  c.Camera.DrainTimeout,
		Stats: stats.Config{
			PollInterval: c.Stats.PollInterval,
			Window:       c.Stats.Window,
			ReportEvery:  c.Stats.ReportEvery,
		},
	}
}

// SinkOptions はフレーム保存の設定を返す
func (c *Config) SinkOptions() sink.Config {
	return sink.Config{
		OutputDir:      c.Sink.OutputDir,
		FallbackDir:    c.Sink.FallbackDir,
		KeyWidth:       c.Sink.KeyWidth,
		TruncateDigits: c.Sink.TruncateDigits,
		AlertCooldown:  c.Sink.AlertCooldown,
	}
}

// SimCameraIDs はシミュレーションで接続済みにするカメラの識別子を返す
func (c *Config) SimCameraIDs() []driver.HardwareID {
	ids := make([]driver.HardwareID, 0, c.Driver.SimCameras)
	for i := 0; i < c.Driver.SimCameras; i++ {
		ids = append(ids, driver.HardwareID(fmt.Sprintf("sim%d", i)))
	}
	return ids
}
