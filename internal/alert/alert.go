// Package alert フレーム取得失敗の警告と、その連発を抑える制限器を提供する
package alert

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"otcsnap/internal/driver"
)

// Alerter は警告の出力先
type Alerter interface {
	Alert(hwID driver.HardwareID, status driver.Status, ts uint64)
}

// Limiter はキーごとに警告の間隔を制限する
//
// 時刻はフレームのタイムスタンプ単位で扱う。直前に許可した時刻から cooldown 未満の警告は抑制する。
// タイムスタンプが巻き戻った場合（カメラ側のリセット）は新しい系列とみなして許可する。
type Limiter struct {
	mu       sync.Mutex
	cooldown uint64
	last     map[string]uint64
}

// NewLimiter は新しいLimiterを作成する
func NewLimiter(cooldown uint64) *Limiter {
	return &Limiter{
		cooldown: cooldown,
		last:     make(map[string]uint64),
	}
}

// Allow は key の警告を ts の時点で出してよいかを判定し、許可した場合は時刻を記録する
func (l *Limiter) Allow(key string, ts uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, seen := l.last[key]
	if seen && ts >= last && ts-last < l.cooldown {
		return false
	}
	l.last[key] = ts
	return true
}

// Forget は key の記録を消す
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, key)
}

// LogAlerter は警告をログに出す
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter は新しいLogAlerterを作成する
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alert").Logger()}
}

func (a *LogAlerter) Alert(hwID driver.HardwareID, status driver.Status, ts uint64) {
	a.logger.Error().
		Str("hw_id", string(hwID)).
		Int("status_code", int(status)).
		Uint64("timestamp", ts).
		Msgf("フレームの取得に失敗しました: %s", status)
}

// BellAlerter は端末のベルを鳴らす
type BellAlerter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellAlerter は w にベル文字を書くBellAlerterを作成する
func NewBellAlerter(w io.Writer) *BellAlerter {
	return &BellAlerter{w: w}
}

func (a *BellAlerter) Alert(driver.HardwareID, driver.Status, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.w.Write([]byte("\a"))
}

// Multi は複数のAlerterへ順に通知する
type Multi []Alerter

func (m Multi) Alert(hwID driver.HardwareID, status driver.Status, ts uint64) {
	for _, a := range m {
		a.Alert(hwID, status, ts)
	}
}
