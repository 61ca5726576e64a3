package camera

import (
	"time"

	"otcsnap/internal/driver"
	"otcsnap/internal/sink"
	"otcsnap/internal/stats"
)

// State はセッションの状態
type State int

const (
	StateIdle        State = iota // 未使用
	StateOpening                  // カメラを開いている
	StateConfiguring              // バッファを確保し設定している
	StateStreaming                // 取得中
	StateDraining                 // キューの返却を待っている
	StateStopped                  // 取得を止め、カメラを閉じた
	StateUnplugged                // 抜去による停止処理中（表示用）
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpening:
		return "Opening"
	case StateConfiguring:
		return "Configuring"
	case StateStreaming:
		return "Streaming"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	case StateUnplugged:
		return "Unplugged"
	default:
		return "Unknown"
	}
}

// Transition はセッションの状態遷移
type Transition struct {
	Slot       int
	HardwareID driver.HardwareID
	RunID      string
	From       State
	To         State
	At         time.Time
}

// TransitionFunc は状態遷移の通知を受け取る
type TransitionFunc func(Transition)

// FrameSink は完了フレームを保存し、再投入するかを決める
// 返すエラーは保存の失敗で、取得は継続する
type FrameSink interface {
	Deliver(origin sink.Origin, f *driver.Frame) (sink.Decision, error)
}

// Config はセッションの起動設定
type Config struct {
	PoolSize      int           // バッファ数
	FrameRate     float32       // FixedRate トリガーのフレームレート
	MaxFrameBytes uint32        // 1フレームあたりの上限バイト数
	DrainTimeout  time.Duration // 停止時にドライバーの返却を待つ上限
	Stats         stats.Config  // 統計採取の設定
}

// DefaultConfig はデフォルトのセッション設定を返す
func DefaultConfig() Config {
	return Config{
		PoolSize:      10,
		FrameRate:     3.0,
		MaxFrameBytes: DefaultMaxFrameBytes,
		DrainTimeout:  5 * time.Second,
		Stats:         stats.DefaultConfig(),
	}
}

// SessionInfo は状態表示用のセッション情報
type SessionInfo struct {
	Slot           int             `json:"slot"`
	State          string          `json:"state"`
	HardwareID     string          `json:"hardware_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	Since          time.Time       `json:"since"`
	ReadyToCapture bool            `json:"ready_to_capture"`
	Buffers        *Counts         `json:"buffers,omitempty"`
	Stats          *stats.Snapshot `json:"stats,omitempty"`
}
