//go:build !linux

package v4l2

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"otcsnap/internal/driver"
)

// Config はV4L2ドライバーの設定
type Config struct {
	DeviceDir   string
	BufferCount uint32
	Settle      time.Duration
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{DeviceDir: "/dev", BufferCount: 4, Settle: 200 * time.Millisecond}
}

// ErrUnsupported はV4L2が使えない環境で返される
var ErrUnsupported = errors.New("V4L2 ドライバーは Linux でのみ利用できます")

// New は Linux 以外では常に失敗する
func New(Config, zerolog.Logger) (driver.Driver, error) {
	return nil, ErrUnsupported
}
