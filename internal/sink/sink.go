// Package sink 完了フレームの保存と再投入の判定を行う
//
// # 仕様
//   - Success / DataLost / DataMissing は保存対象。保存の成否にかかわらず再投入する
//   - Cancelled はキューのクリアで返却されたフレーム、Unplugged はカメラの切断。どちらも警告を出さずに破棄する
//   - それ以外の失敗ステータスは破棄し、カメラごとに間隔を制限して警告する
//   - 画像は主出力先、予備出力先の順に試し、統計行は画像を書いたディレクトリに追記する
//
// Deliver はドライバーのコールバックゴルーチンから呼ばれるため、ローカルファイルI/Oとエンコーダー以外で待たない。
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"otcsnap/internal/alert"
	"otcsnap/internal/driver"
	"otcsnap/internal/encoder"
	"otcsnap/internal/metrics"
)

// Decision は完了フレームのバッファをどう扱うか
type Decision int

const (
	Requeue Decision = iota // ドライバーへ再投入する
	Drop                    // 再投入しない
)

func (d Decision) String() string {
	if d == Requeue {
		return "requeue"
	}
	return "drop"
}

// Origin はフレームを取得したカメラ
type Origin interface {
	HardwareID() driver.HardwareID
	AttrUint32(name string) (uint32, error)
}

// StatsFileName は統計行を追記するファイル名
const StatsFileName = "stats.txt"

// Config は保存先とファイル名の設定
type Config struct {
	OutputDir      string // 主出力先
	FallbackDir    string // 予備出力先（空なら使わない）
	KeyWidth       int    // ファイル名のキーの桁数
	TruncateDigits int    // タイムスタンプから切り捨てる下位桁数
	AlertCooldown  uint64 // 警告を抑制する間隔（タイムスタンプ単位）
}

// DefaultConfig はデフォルトの保存設定を返す
func DefaultConfig() Config {
	return Config{
		OutputDir:     "images",
		KeyWidth:      20,
		AlertCooldown: 20,
	}
}

// Sink はフレームを保存する
type Sink struct {
	cfg     Config
	enc     encoder.Encoder
	alerter alert.Alerter
	limiter *alert.Limiter
	logger  zerolog.Logger
	metrics *metrics.Metrics

	statsMu sync.Mutex
}

// New は新しいSinkを作成する
func New(cfg Config, enc encoder.Encoder, alerter alert.Alerter, logger zerolog.Logger, m *metrics.Metrics) *Sink {
	if cfg.KeyWidth <= 0 {
		cfg.KeyWidth = DefaultConfig().KeyWidth
	}
	return &Sink{
		cfg:     cfg,
		enc:     enc,
		alerter: alerter,
		limiter: alert.NewLimiter(cfg.AlertCooldown),
		logger:  logger.With().Str("component", "sink").Logger(),
		metrics: m,
	}
}

// FrameKey はタイムスタンプからファイル名のキーを作る
// 下位 truncateDigits 桁を切り捨て、width 桁にゼロ埋めする
func FrameKey(ts uint64, truncateDigits, width int) string {
	for i := 0; i < truncateDigits && ts > 0; i++ {
		ts /= 10
	}
	return fmt.Sprintf("%0*d", width, ts)
}

// Deliver は完了フレームを処理し、バッファの扱いを返す
// 保存に失敗してもバッファは再投入し、失敗はエラーとして返す
func (s *Sink) Deliver(origin Origin, f *driver.Frame) (Decision, error) {
	hwID := origin.HardwareID()
	s.metrics.IncCompletion(string(hwID), f.Status.Name())

	switch {
	case f.Status.Deliverable():
		return Requeue, s.persist(origin, f)

	case f.Status == driver.StatusCancelled:
		return Drop, nil

	case f.Status == driver.StatusUnplugged:
		s.logger.Debug().Str("hw_id", string(hwID)).Msg("切断されたカメラのフレームを破棄しました")
		return Drop, nil

	default:
		ts := f.Timestamp()
		if s.limiter.Allow(string(hwID), ts) {
			s.metrics.IncAlert(string(hwID))
			if s.alerter != nil {
				s.alerter.Alert(hwID, f.Status, ts)
			}
		} else {
			s.logger.Debug().
				Str("hw_id", string(hwID)).
				Str("status", f.Status.Name()).
				Msg("警告を抑制しました")
		}
		return Drop, nil
	}
}

// Forget はカメラの警告間隔の記録を消す
// 再接続したカメラの最初の失敗はすぐに警告される
func (s *Sink) Forget(hwID driver.HardwareID) {
	s.limiter.Forget(string(hwID))
}

// persist は画像と、同じディレクトリへ統計行を書き込む
// 画像を書けなかったフレームの統計行は書かない
func (s *Sink) persist(origin Origin, f *driver.Frame) error {
	hwID := origin.HardwareID()
	key := FrameKey(f.Timestamp(), s.cfg.TruncateDigits, s.cfg.KeyWidth)
	name := "frame" + key + "." + s.enc.Ext()

	logger := s.logger.With().Str("hw_id", string(hwID)).Str("key", key).Logger()

	dir, err := s.writeWithFallback(hwID, func(dir string) error {
		return s.enc.Encode(filepath.Join(dir, name), f)
	})
	if err != nil {
		s.metrics.IncWriteFailure(string(hwID))
		return fmt.Errorf("画像 %s の書き込みに失敗: %w", name, err)
	}
	s.metrics.IncFrameWritten(string(hwID))
	logger.Trace().Str("dir", dir).Msg("フレームを保存しました")

	if err := s.appendLine(filepath.Join(dir, StatsFileName), s.statsRow(origin, key)); err != nil {
		s.metrics.IncWriteFailure(string(hwID))
		return fmt.Errorf("キー %s の統計行の書き込みに失敗: %w", key, err)
	}
	return nil
}

// statsRow は "<key>,<exposure>,<gain>,<wbRed>,<wbBlue>" の1行を作る
// 読めなかった属性は0とする
func (s *Sink) statsRow(origin Origin, key string) string {
	names := []string{
		driver.AttrExposureValue,
		driver.AttrGainValue,
		driver.AttrWhitebalValueRed,
		driver.AttrWhitebalValueBlue,
	}
	fields := make([]string, 0, len(names)+1)
	fields = append(fields, key)
	for _, name := range names {
		v, err := origin.AttrUint32(name)
		if err != nil {
			s.logger.Debug().Err(err).Str("attr", name).Msg("属性を読めないため0を記録します")
			v = 0
		}
		fields = append(fields, fmt.Sprint(v))
	}
	return strings.Join(fields, ",") + "\n"
}

// writeWithFallback は主出力先、予備出力先の順に write を試す
// 成功した出力先のカメラディレクトリを返す
func (s *Sink) writeWithFallback(hwID driver.HardwareID, write func(dir string) error) (string, error) {
	roots := []string{s.cfg.OutputDir}
	if s.cfg.FallbackDir != "" && s.cfg.FallbackDir != s.cfg.OutputDir {
		roots = append(roots, s.cfg.FallbackDir)
	}

	var errs []error
	for _, root := range roots {
		dir := CameraDir(root, hwID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("ディレクトリの作成に失敗: %w", err))
			continue
		}
		if err := write(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		return dir, nil
	}
	return "", errors.Join(errs...)
}

func (s *Sink) appendLine(path, line string) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("統計ファイルのオープンに失敗: %w", err)
	}
	if _, err := file.WriteString(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("統計ファイルへの追記に失敗: %w", err)
	}
	return file.Close()
}

// CameraDir はカメラごとの出力ディレクトリを返す
func CameraDir(root string, hwID driver.HardwareID) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(string(hwID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(root, name)
}
