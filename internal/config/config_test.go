package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcsnap/internal/driver"
)

// TestConfigLoad は既定値での読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, DriverSim, cfg.Driver.Kind)
	assert.Equal(t, 2, cfg.Camera.Slots)
	assert.Equal(t, 10, cfg.Camera.PoolSize)
	assert.Equal(t, 3.0, cfg.Camera.FrameRate)
	assert.Equal(t, 20*time.Millisecond, cfg.Stats.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Stats.Window)
	assert.Equal(t, "images", cfg.Sink.OutputDir)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddress())
}

// TestConfigLoad_Env は環境変数による上書きをテストする
func TestConfigLoad_Env(t *testing.T) {
	t.Setenv("OTCSNAP_SERVER_PORT", "9090")
	t.Setenv("OTCSNAP_DRIVER_KIND", "v4l2")
	t.Setenv("OTCSNAP_CAMERA_PINNED", "video0=1")
	t.Setenv("OTCSNAP_CAMERA_DRAIN_TIMEOUT", "2s")
	t.Setenv("OTCSNAP_STATS_WINDOW", "1s")
	t.Setenv("OTCSNAP_SINK_BELL", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverV4L2, cfg.Driver.Kind)
	assert.Equal(t, "video0=1", cfg.Camera.Pinned)
	assert.Equal(t, 2*time.Second, cfg.Camera.DrainTimeout)
	assert.Equal(t, time.Second, cfg.Stats.Window)
	assert.False(t, cfg.Sink.Bell)

	sm, err := cfg.SlotMap()
	require.NoError(t, err)
	slot, ok := sm.Resolve("video0", func(int) bool { return false })
	assert.True(t, ok)
	assert.Equal(t, 1, slot)
}

// TestConfigLoad_Flags はフラグが環境変数より優先されることをテストする
func TestConfigLoad_Flags(t *testing.T) {
	t.Setenv("OTCSNAP_SERVER_PORT", "9090")
	t.Setenv("OTCSNAP_SERVER_HOST", "127.0.0.1")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("host", "", "")
	fs.Int("port", 0, "")
	fs.String("output", "images", "")
	require.NoError(t, fs.Parse([]string{"--port", "7070", "--output", "/tmp/out"}))

	cfg, err := LoadWithFlags(fs)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/tmp/out", cfg.Sink.OutputDir)
}

// TestConfigLoad_Invalid は不正な環境変数で読み込みが失敗することをテストする
func TestConfigLoad_Invalid(t *testing.T) {
	t.Setenv("OTCSNAP_CAMERA_PINNED", "video0")
	_, err := Load()
	assert.Error(t, err)
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{name: "正常な設定", modify: func(*Config) {}},
		{name: "無効なポート番号", modify: func(c *Config) { c.Server.Port = 70000 }, expectErr: true},
		{name: "サーバー無効ならポートは検証しない", modify: func(c *Config) { c.Server.Enabled = false; c.Server.Port = 0 }},
		{name: "未対応のドライバー", modify: func(c *Config) { c.Driver.Kind = "pvapi" }, expectErr: true},
		{name: "v4l2 でデバイスディレクトリなし", modify: func(c *Config) { c.Driver.Kind = DriverV4L2; c.Driver.DeviceDir = "" }, expectErr: true},
		{name: "バッファ数0", modify: func(c *Config) { c.Camera.PoolSize = 0 }, expectErr: true},
		{name: "スロット数0", modify: func(c *Config) { c.Camera.Slots = 0 }, expectErr: true},
		{name: "固定スロットが範囲外", modify: func(c *Config) { c.Camera.Pinned = "a=9" }, expectErr: true},
		{name: "フレームレート0", modify: func(c *Config) { c.Camera.FrameRate = 0 }, expectErr: true},
		{name: "ウィンドウが採取間隔より短い", modify: func(c *Config) { c.Stats.Window = time.Millisecond }, expectErr: true},
		{name: "出力先なし", modify: func(c *Config) { c.Sink.OutputDir = "" }, expectErr: true},
		{name: "切り捨て桁数が大きすぎる", modify: func(c *Config) { c.Sink.TruncateDigits = 20 }, expectErr: true},
		{name: "未対応の圧縮形式", modify: func(c *Config) { c.Sink.Compression = "jpeg" }, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigConversions(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Driver.SimCameras = 2

	sess := cfg.Session()
	assert.Equal(t, cfg.Camera.PoolSize, sess.PoolSize)
	assert.Equal(t, float32(3.0), sess.FrameRate)
	assert.Equal(t, cfg.Stats.Window, sess.Stats.Window)

	sk := cfg.SinkOptions()
	assert.Equal(t, cfg.Sink.OutputDir, sk.OutputDir)
	assert.Equal(t, cfg.Sink.KeyWidth, sk.KeyWidth)

	assert.Equal(t, []driver.HardwareID{"sim0", "sim1"}, cfg.SimCameraIDs())
}
