package driver

import (
	"errors"
	"fmt"
)

// Status はドライバー呼び出しとフレーム完了の結果コード
type Status int

const (
	StatusSuccess       Status = iota // 成功
	StatusCameraFault                 // カメラ内部の予期しない障害
	StatusInternalFault               // ドライバー内部の予期しない障害
	StatusBadHandle                   // 不正なハンドル
	StatusBadParameter                // 不正な引数
	StatusBadSequence                 // API呼び出し順序の誤り
	StatusNotFound                    // カメラが見つからない
	StatusAccessDenied                // 他のアプリケーションが使用中
	StatusUnplugged                   // カメラが抜かれた
	StatusInvalidSetup                // 撮影設定が不正
	StatusResources                   // システム資源の不足
	StatusBandwidth                   // 帯域不足
	StatusQueueFull                   // フレームキューが満杯
	StatusBufferTooSmall              // バッファが小さすぎる
	StatusCancelled                   // キュークリアにより取り消された
	StatusDataLost                    // フレームのデータが失われた
	StatusDataMissing                 // フレームのデータが一部欠落した
	StatusTimeout                     // タイムアウト
	StatusOutOfRange                  // 属性値が範囲外
	StatusWrongType                   // 属性の型が異なる
	StatusForbidden                   // 現在は属性に書き込めない
	StatusUnavailable                 // 現在は属性が利用できない
	StatusFirewall                    // ファイアウォールがストリーミングを遮断
)

var statusMessages = map[Status]string{
	StatusSuccess:        "成功",
	StatusCameraFault:    "カメラで予期しない障害が発生しました",
	StatusInternalFault:  "ドライバーで予期しない障害が発生しました",
	StatusBadHandle:      "カメラハンドルが不正です",
	StatusBadParameter:   "関数の引数が不正です",
	StatusBadSequence:    "API呼び出しの順序が不正です",
	StatusNotFound:       "カメラが見つかりません",
	StatusAccessDenied:   "他のアプリケーションが使用中のため要求モードで開けません",
	StatusUnplugged:      "カメラが予期せず取り外されました",
	StatusInvalidSetup:   "撮影のためのカメラ設定が正しくありません",
	StatusResources:      "必要なシステム資源またはネットワーク資源が不足しています",
	StatusBandwidth:      "帯域が不足しています",
	StatusQueueFull:      "フレームキューが満杯です",
	StatusBufferTooSmall: "フレームバッファが画像を格納するには小さすぎます",
	StatusCancelled:      "キューのクリアによりフレームが取り消されました",
	StatusDataLost:       "フレームのデータが失われました。画像バッファの内容は無効です",
	StatusDataMissing:    "フレームのデータの一部が失われました",
	StatusTimeout:        "タイムアウトしました",
	StatusOutOfRange:     "属性値が範囲外です",
	StatusWrongType:      "属性の型が異なるためアクセスできません",
	StatusForbidden:      "現在この属性には書き込めません",
	StatusUnavailable:    "現在この属性は利用できません",
	StatusFirewall:       "ファイアウォールがストリーミングポートを遮断しています",
}

var statusNames = [...]string{
	"Success", "CameraFault", "InternalFault", "BadHandle", "BadParameter", "BadSequence",
	"NotFound", "AccessDenied", "Unplugged", "InvalidSetup", "Resources", "Bandwidth",
	"QueueFull", "BufferTooSmall", "Cancelled", "DataLost", "DataMissing", "Timeout",
	"OutOfRange", "WrongType", "Forbidden", "Unavailable", "Firewall",
}

// Name はログとメトリクスのラベル向けの短い名前を返す
func (s Status) Name() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status%d", int(s))
}

// String はステータスの説明を返す
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("不明なステータス(%d)", int(s))
}

// Deliverable は保存と再投入の対象となる完了ステータスかどうかを返す
func (s Status) Deliverable() bool {
	return s == StatusSuccess || s == StatusDataLost || s == StatusDataMissing
}

// Err は成功以外のステータスをエラーに変換する
func (s Status) Err(op string) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}

// StatusError はドライバー呼び出しの失敗を表す
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// StatusOf はエラーに含まれるドライバーステータスを取り出す
func StatusOf(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusSuccess, false
}
