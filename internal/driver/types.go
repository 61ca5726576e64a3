package driver

// HardwareID はカメラの一意識別子（抜き差しをまたいで不変）
type HardwareID string

// Handle はオープン中のカメラを指す不透明なハンドル
// Open から Close までの間のみ有効
type Handle uint32

// AccessMode はカメラのオープンモード
type AccessMode int

const (
	AccessMaster  AccessMode = iota // 制御と取得の両方を行う
	AccessMonitor                   // 属性の参照のみ
)

// PixelFormat はフレームバッファ内の画素の並び
type PixelFormat int

const (
	PixelMono8 PixelFormat = iota
	PixelMono16
	PixelBayer8
	PixelRGB24
	PixelBGR24
	PixelYUYV
)

// String はフォーマット名を返す
func (p PixelFormat) String() string {
	switch p {
	case PixelMono8:
		return "Mono8"
	case PixelMono16:
		return "Mono16"
	case PixelBayer8:
		return "Bayer8"
	case PixelRGB24:
		return "Rgb24"
	case PixelBGR24:
		return "Bgr24"
	case PixelYUYV:
		return "Yuyv"
	default:
		return "Unknown"
	}
}

// Frame はドライバーに貸し出す1枚分のバッファとそのメタデータ
type Frame struct {
	ImageBuffer []byte      // 受信領域（容量は割り当て時に固定）
	ImageSize   uint32      // ドライバーが書き込んだバイト数
	Width       uint32      // 画像幅
	Height      uint32      // 画像高さ
	Format      PixelFormat // 画素フォーマット
	Status      Status      // 完了ステータス
	FrameCount  uint32      // ドライバー側の通し番号
	TimestampHi uint32      // タイムスタンプ上位32ビット
	TimestampLo uint32      // タイムスタンプ下位32ビット
}

// Timestamp は上位・下位に分かれたタイムスタンプを結合する
func (f *Frame) Timestamp() uint64 {
	return uint64(f.TimestampLo) + uint64(f.TimestampHi)<<32
}

// SetTimestamp は64ビットのタイムスタンプを上位・下位に分割して設定する
func (f *Frame) SetTimestamp(ts uint64) {
	f.TimestampHi = uint32(ts >> 32)
	f.TimestampLo = uint32(ts)
}

// Data は書き込み済みの範囲を返す
func (f *Frame) Data() []byte {
	n := int(f.ImageSize)
	if n > len(f.ImageBuffer) {
		n = len(f.ImageBuffer)
	}
	return f.ImageBuffer[:n]
}

// FrameDoneFunc はキューに積んだフレームが完了したときに呼ばれる
type FrameDoneFunc func(f *Frame)

// LinkFunc はカメラの接続・切断通知を受け取る
type LinkFunc func(id HardwareID)

// Driver はカメラドライバーが提供する操作
type Driver interface {
	// LinkEvents は接続・切断通知の購読を登録する
	LinkEvents(onArrive, onLeave LinkFunc) error
	// UnlinkEvents は購読を解除する
	UnlinkEvents() error

	Open(id HardwareID, mode AccessMode) (Handle, error)
	Close(h Handle) error

	AttrUint32(h Handle, name string) (uint32, error)
	AttrFloat32(h Handle, name string) (float32, error)
	AttrEnum(h Handle, name string) (string, error)
	SetAttrEnum(h Handle, name, value string) error
	SetAttrFloat32(h Handle, name string, value float32) error

	// FrameByteSize は1フレームに必要なバイト数を返す
	FrameByteSize(h Handle) (uint32, error)

	CaptureBegin(h Handle) error
	CaptureEnd(h Handle) error
	CommandRun(h Handle, command string) error

	// QueueFrame はフレームを取得キューに積む
	QueueFrame(h Handle, f *Frame, done FrameDoneFunc) error
	// ClearQueue はキュー内の全フレームを返却し終えるまでブロックする
	ClearQueue(h Handle) error
}

// Queuer はフレームの投入だけを行う Driver のサブセット
type Queuer interface {
	QueueFrame(h Handle, f *Frame, done FrameDoneFunc) error
}

// 属性名
const (
	AttrTotalBytesPerFrame    = "TotalBytesPerFrame"
	AttrStatFramesCompleted   = "StatFramesCompleted"
	AttrStatFramesDropped     = "StatFramesDropped"
	AttrStatPacketsMissed     = "StatPacketsMissed"
	AttrStatPacketsErroneous  = "StatPacketsErroneous"
	AttrStatFrameRate         = "StatFrameRate"
	AttrExposureMode          = "ExposureMode"
	AttrExposureValue         = "ExposureValue"
	AttrGainMode              = "GainMode"
	AttrGainValue             = "GainValue"
	AttrWhitebalMode          = "WhitebalMode"
	AttrWhitebalValueRed      = "WhitebalValueRed"
	AttrWhitebalValueBlue     = "WhitebalValueBlue"
	AttrFrameRate             = "FrameRate"
	AttrFrameStartTriggerMode = "FrameStartTriggerMode"
)

// コマンド名
const (
	CommandAcquisitionStart = "AcquisitionStart"
	CommandAcquisitionStop  = "AcquisitionStop"
	CommandTimeStampReset   = "TimeStampReset"
)

// 列挙値
const (
	EnumAuto      = "Auto"
	EnumFixedRate = "FixedRate"
)
