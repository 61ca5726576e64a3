package camera

import (
	"errors"
	"fmt"

	"otcsnap/internal/driver"
)

// Kind はエラーの分類
type Kind int

const (
	KindUnknown            Kind = iota
	KindDriverFault                // カメラ・ドライバー内部の障害
	KindConfigurationError         // 不正なパラメータや非互換なモード
	KindResourceExhaustion         // バッファ割り当ての失敗
	KindTransientIO                // 単一フレームの保存失敗
	KindHardwareAbsence            // カメラが抜かれた
)

func (k Kind) String() string {
	switch k {
	case KindDriverFault:
		return "DriverFault"
	case KindConfigurationError:
		return "ConfigurationError"
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	case KindTransientIO:
		return "TransientIO"
	case KindHardwareAbsence:
		return "HardwareAbsence"
	default:
		return "Unknown"
	}
}

var (
	ErrPoolReleased       = errors.New("バッファプールは解放済みです")
	ErrBuffersOutstanding = errors.New("ドライバーに貸し出し中のバッファがあります")
	ErrUnknownFrame       = errors.New("プールに属さないフレームです")
	ErrNotInFlight        = errors.New("バッファは貸し出し中ではありません")
	ErrInFlight           = errors.New("バッファは既に貸し出し中です")
	ErrSlotOccupied       = errors.New("スロットは使用中です")
)

// Error はセッション操作の失敗を表す
type Error struct {
	Kind       Kind
	Op         string
	Slot       int
	HardwareID driver.HardwareID
	Err        error
}

func (e *Error) Error() string {
	if e.HardwareID != "" {
		return fmt.Sprintf("スロット %d (%s) %s [%s]: %v", e.Slot, e.HardwareID, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はエラーの分類を返す
// camera.Error を含まない場合はドライバーステータスから推定する
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if st, ok := driver.StatusOf(err); ok {
		return kindOfStatus(st)
	}
	return KindUnknown
}

// kindOfStatus はドライバーステータスを分類に対応付ける
func kindOfStatus(st driver.Status) Kind {
	switch st {
	case driver.StatusUnplugged:
		return KindHardwareAbsence
	case driver.StatusBadParameter, driver.StatusOutOfRange, driver.StatusWrongType, driver.StatusBadSequence:
		return KindConfigurationError
	case driver.StatusResources:
		return KindResourceExhaustion
	default:
		return KindDriverFault
	}
}

// wrapDriverError はドライバー呼び出しの失敗を分類付きで包む
func wrapDriverError(op string, slot int, hwID driver.HardwareID, err error) error {
	kind := KindDriverFault
	if st, ok := driver.StatusOf(err); ok {
		kind = kindOfStatus(st)
	}
	return &Error{Kind: kind, Op: op, Slot: slot, HardwareID: hwID, Err: err}
}
