package driver

import (
	"slices"
	"sync"
	"time"
)

// DeviceSpec はモックカメラの特性
type DeviceSpec struct {
	Width        uint32
	Height       uint32
	Format       PixelFormat
	Exposure     uint32 // ExposureValue (µs)
	Gain         uint32 // GainValue
	WhiteBalRed  uint32 // WhitebalValueRed
	WhiteBalBlue uint32 // WhitebalValueBlue
}

// DefaultDeviceSpec はテスト向けの小さなモノクロカメラを返す
func DefaultDeviceSpec() DeviceSpec {
	return DeviceSpec{
		Width:        64,
		Height:       48,
		Format:       PixelMono8,
		Exposure:     15000,
		Gain:         0,
		WhiteBalRed:  100,
		WhiteBalBlue: 100,
	}
}

// BytesPerFrame は1フレームのバイト数を返す
func (s DeviceSpec) BytesPerFrame() uint32 {
	bpp := uint32(1)
	switch s.Format {
	case PixelMono16, PixelYUYV:
		bpp = 2
	case PixelRGB24, PixelBGR24:
		bpp = 3
	}
	return s.Width * s.Height * bpp
}

// MockOption はMockDriverの設定を変更する
type MockOption func(*MockDriver)

// WithFrameRate は取得中に指定レートでフレームを自動完了させる
func WithFrameRate(fps float64) MockOption {
	return func(m *MockDriver) {
		m.frameRate = fps
	}
}

// WithTimestampStep は自動完了時のタイムスタンプ増分を設定する
func WithTimestampStep(step uint64) MockOption {
	return func(m *MockDriver) {
		m.tsStep = step
	}
}

type mockDevice struct {
	spec    DeviceSpec
	present bool
	open    Handle
}

type queuedFrame struct {
	frame *Frame
	done  FrameDoneFunc
}

type mockHandle struct {
	id        HardwareID
	spec      DeviceSpec
	capturing bool
	acquiring bool
	queue     []queuedFrame
	frames    uint32
	timestamp uint64

	completed uint32
	dropped   uint32
	missed    uint32
	erroneous uint32

	enums  map[string]string
	floats map[string]float32

	stopGen chan struct{}
	genDone chan struct{}
}

// MockDriver はテストとシミュレーション用のインメモリドライバー
//
// 完了コールバックは Complete / CompleteAt を呼んだゴルーチン、
// または WithFrameRate 指定時の生成ゴルーチンから同期的に呼ばれる。
type MockDriver struct {
	mu         sync.Mutex
	devices    map[HardwareID]*mockDevice
	handles    map[Handle]*mockHandle
	nextHandle Handle

	onArrive LinkFunc
	onLeave  LinkFunc
	linked   bool

	faults map[string]Status
	calls  map[string]int

	frameRate float64
	tsStep    uint64
}

// NewMockDriver は新しいMockDriverを作成する
func NewMockDriver(opts ...MockOption) *MockDriver {
	m := &MockDriver{
		devices: make(map[HardwareID]*mockDevice),
		handles: make(map[Handle]*mockHandle),
		faults:  make(map[string]Status),
		calls:   make(map[string]int),
		tsStep:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InjectFault は指定操作が以後 st を返すようにする
//
// op は "Open", "FrameByteSize", "CaptureBegin", "QueueFrame", "ClearQueue" などの操作名、
// 属性とコマンドは "Attr:<名前>", "SetAttrEnum:<名前>", "SetAttrFloat32:<名前>", "Command:<名前>"。
func (m *MockDriver) InjectFault(op string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = st
}

// ClearFault は注入した障害を取り除く
func (m *MockDriver) ClearFault(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.faults, op)
}

// Calls は操作の呼び出し回数を返す
func (m *MockDriver) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// record は呼び出しを記録し、注入された障害があれば返す（ロック済み前提）
func (m *MockDriver) record(op string) error {
	m.calls[op]++
	if st, ok := m.faults[op]; ok {
		return st.Err(op)
	}
	return nil
}

// Plug はカメラの接続をシミュレートし、接続通知を同期的に配信する
func (m *MockDriver) Plug(id HardwareID, spec DeviceSpec) {
	m.mu.Lock()
	m.devices[id] = &mockDevice{spec: spec, present: true}
	onArrive := m.onArrive
	linked := m.linked
	m.mu.Unlock()

	if linked && onArrive != nil {
		onArrive(id)
	}
}

// Unplug はカメラの切断をシミュレートし、切断通知を同期的に配信する
func (m *MockDriver) Unplug(id HardwareID) {
	m.mu.Lock()
	dev, ok := m.devices[id]
	if ok {
		dev.present = false
	}
	onLeave := m.onLeave
	linked := m.linked
	m.mu.Unlock()

	if ok && linked && onLeave != nil {
		onLeave(id)
	}
}

// LinkEvents は接続・切断通知を登録し、既に接続済みのカメラを通知する
func (m *MockDriver) LinkEvents(onArrive, onLeave LinkFunc) error {
	m.mu.Lock()
	if err := m.record("LinkEvents"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.onArrive = onArrive
	m.onLeave = onLeave
	m.linked = true
	var present []HardwareID
	for id, dev := range m.devices {
		if dev.present {
			present = append(present, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(present)
	for _, id := range present {
		onArrive(id)
	}
	return nil
}

// UnlinkEvents は通知の登録を解除する
func (m *MockDriver) UnlinkEvents() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UnlinkEvents"); err != nil {
		return err
	}
	m.onArrive = nil
	m.onLeave = nil
	m.linked = false
	return nil
}

// Open はカメラを開く
func (m *MockDriver) Open(id HardwareID, _ AccessMode) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("Open"); err != nil {
		return 0, err
	}
	dev, ok := m.devices[id]
	if !ok || !dev.present {
		return 0, StatusNotFound.Err("Open")
	}
	if dev.open != 0 {
		return 0, StatusAccessDenied.Err("Open")
	}

	m.nextHandle++
	h := m.nextHandle
	dev.open = h
	m.handles[h] = &mockHandle{
		id:     id,
		spec:   dev.spec,
		enums:  make(map[string]string),
		floats: make(map[string]float32),
	}
	return h, nil
}

// Close はカメラを閉じる
func (m *MockDriver) Close(h Handle) error {
	m.mu.Lock()
	if err := m.record("Close"); err != nil {
		m.mu.Unlock()
		return err
	}
	mh, ok := m.handles[h]
	if !ok {
		m.mu.Unlock()
		return StatusBadHandle.Err("Close")
	}
	delete(m.handles, h)
	if dev, ok := m.devices[mh.id]; ok && dev.open == h {
		dev.open = 0
	}
	genDone := m.stopGeneratorLocked(mh)
	m.mu.Unlock()

	if genDone != nil {
		<-genDone
	}
	return nil
}

// lookup はハンドルを検索する（ロック済み前提）
func (m *MockDriver) lookup(h Handle, op string) (*mockHandle, error) {
	mh, ok := m.handles[h]
	if !ok {
		return nil, StatusBadHandle.Err(op)
	}
	if dev, ok := m.devices[mh.id]; !ok || !dev.present {
		return mh, StatusUnplugged.Err(op)
	}
	return mh, nil
}

// AttrUint32 は整数属性を読む
func (m *MockDriver) AttrUint32(h Handle, name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "Attr:" + name
	if err := m.record(op); err != nil {
		return 0, err
	}
	mh, err := m.lookup(h, op)
	if err != nil {
		return 0, err
	}

	switch name {
	case AttrTotalBytesPerFrame:
		return mh.spec.BytesPerFrame(), nil
	case AttrStatFramesCompleted:
		return mh.completed, nil
	case AttrStatFramesDropped:
		return mh.dropped, nil
	case AttrStatPacketsMissed:
		return mh.missed, nil
	case AttrStatPacketsErroneous:
		return mh.erroneous, nil
	case AttrExposureValue:
		return mh.spec.Exposure, nil
	case AttrGainValue:
		return mh.spec.Gain, nil
	case AttrWhitebalValueRed:
		return mh.spec.WhiteBalRed, nil
	case AttrWhitebalValueBlue:
		return mh.spec.WhiteBalBlue, nil
	}
	return 0, StatusNotFound.Err(op)
}

// AttrFloat32 は浮動小数点属性を読む
func (m *MockDriver) AttrFloat32(h Handle, name string) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "Attr:" + name
	if err := m.record(op); err != nil {
		return 0, err
	}
	mh, err := m.lookup(h, op)
	if err != nil {
		return 0, err
	}

	switch name {
	case AttrStatFrameRate:
		if mh.acquiring {
			return float32(m.frameRate), nil
		}
		return 0, nil
	default:
		if v, ok := mh.floats[name]; ok {
			return v, nil
		}
	}
	return 0, StatusNotFound.Err(op)
}

// AttrEnum は列挙属性を読む
func (m *MockDriver) AttrEnum(h Handle, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "Attr:" + name
	if err := m.record(op); err != nil {
		return "", err
	}
	mh, err := m.lookup(h, op)
	if err != nil {
		return "", err
	}
	if v, ok := mh.enums[name]; ok {
		return v, nil
	}
	return "", StatusNotFound.Err(op)
}

// SetAttrEnum は列挙属性を書く
func (m *MockDriver) SetAttrEnum(h Handle, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "SetAttrEnum:" + name
	if err := m.record(op); err != nil {
		return err
	}
	mh, err := m.lookup(h, op)
	if err != nil {
		return err
	}
	mh.enums[name] = value
	return nil
}

// SetAttrFloat32 は浮動小数点属性を書く
func (m *MockDriver) SetAttrFloat32(h Handle, name string, value float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "SetAttrFloat32:" + name
	if err := m.record(op); err != nil {
		return err
	}
	mh, err := m.lookup(h, op)
	if err != nil {
		return err
	}
	mh.floats[name] = value
	return nil
}

// FrameByteSize は1フレームに必要なバイト数を返す
func (m *MockDriver) FrameByteSize(h Handle) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("FrameByteSize"); err != nil {
		return 0, err
	}
	mh, err := m.lookup(h, "FrameByteSize")
	if err != nil {
		return 0, err
	}
	return mh.spec.BytesPerFrame(), nil
}

// CaptureBegin はキャプチャモードに入る
func (m *MockDriver) CaptureBegin(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("CaptureBegin"); err != nil {
		return err
	}
	mh, err := m.lookup(h, "CaptureBegin")
	if err != nil {
		return err
	}
	mh.capturing = true
	return nil
}

// CaptureEnd はキャプチャモードを抜ける
func (m *MockDriver) CaptureEnd(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("CaptureEnd"); err != nil {
		return err
	}
	mh, ok := m.handles[h]
	if !ok {
		return StatusBadHandle.Err("CaptureEnd")
	}
	mh.capturing = false
	return nil
}

// CommandRun はカメラコマンドを実行する
func (m *MockDriver) CommandRun(h Handle, command string) error {
	m.mu.Lock()

	op := "Command:" + command
	if err := m.record(op); err != nil {
		m.mu.Unlock()
		return err
	}
	mh, ok := m.handles[h]
	if !ok {
		m.mu.Unlock()
		return StatusBadHandle.Err(op)
	}

	var genDone chan struct{}
	switch command {
	case CommandAcquisitionStart:
		if !mh.capturing {
			m.mu.Unlock()
			return StatusBadSequence.Err(op)
		}
		mh.acquiring = true
		if m.frameRate > 0 && mh.stopGen == nil {
			mh.stopGen = make(chan struct{})
			mh.genDone = make(chan struct{})
			go m.generate(h, mh.stopGen, mh.genDone)
		}
	case CommandAcquisitionStop:
		mh.acquiring = false
		genDone = m.stopGeneratorLocked(mh)
	case CommandTimeStampReset:
		mh.timestamp = 0
	default:
		m.mu.Unlock()
		return StatusNotFound.Err(op)
	}
	m.mu.Unlock()

	if genDone != nil {
		<-genDone
	}
	return nil
}

// stopGeneratorLocked は生成ゴルーチンに停止を指示する（ロック済み前提）
func (m *MockDriver) stopGeneratorLocked(mh *mockHandle) chan struct{} {
	if mh.stopGen == nil {
		return nil
	}
	close(mh.stopGen)
	done := mh.genDone
	mh.stopGen = nil
	mh.genDone = nil
	return done
}

// QueueFrame はフレームをキューに積む
func (m *MockDriver) QueueFrame(h Handle, f *Frame, done FrameDoneFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("QueueFrame"); err != nil {
		return err
	}
	mh, err := m.lookup(h, "QueueFrame")
	if err != nil {
		return err
	}
	if !mh.capturing {
		return StatusBadSequence.Err("QueueFrame")
	}
	for _, q := range mh.queue {
		if q.frame == f {
			return StatusBadParameter.Err("QueueFrame")
		}
	}
	mh.queue = append(mh.queue, queuedFrame{frame: f, done: done})
	return nil
}

// ClearQueue はキュー内の全フレームを StatusCancelled で返却する
func (m *MockDriver) ClearQueue(h Handle) error {
	m.mu.Lock()
	if err := m.record("ClearQueue"); err != nil {
		m.mu.Unlock()
		return err
	}
	mh, ok := m.handles[h]
	if !ok {
		m.mu.Unlock()
		return StatusBadHandle.Err("ClearQueue")
	}
	pending := mh.queue
	mh.queue = nil
	m.mu.Unlock()

	for _, q := range pending {
		q.frame.Status = StatusCancelled
		q.frame.ImageSize = 0
		q.done(q.frame)
	}
	return nil
}

// Queued はキュー内のフレーム数を返す
func (m *MockDriver) Queued(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mh, ok := m.handles[h]; ok {
		return len(mh.queue)
	}
	return 0
}

// HandleOf はカメラに割り当て中のハンドルを返す
func (m *MockDriver) HandleOf(id HardwareID) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[id]
	if !ok || dev.open == 0 {
		return 0, false
	}
	return dev.open, true
}

// Complete はキュー先頭のフレームを st で完了させる
// キューが空の場合は false を返す
func (m *MockDriver) Complete(h Handle, st Status) bool {
	m.mu.Lock()
	mh, ok := m.handles[h]
	if !ok {
		m.mu.Unlock()
		return false
	}
	mh.timestamp += m.tsStep
	ts := mh.timestamp
	m.mu.Unlock()

	return m.CompleteAt(h, st, ts)
}

// CompleteAt はタイムスタンプを指定してキュー先頭のフレームを完了させる
func (m *MockDriver) CompleteAt(h Handle, st Status, ts uint64) bool {
	m.mu.Lock()
	mh, ok := m.handles[h]
	if !ok || len(mh.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	q := mh.queue[0]
	mh.queue = mh.queue[1:]

	mh.frames++
	f := q.frame
	f.Status = st
	f.FrameCount = mh.frames
	f.Width = mh.spec.Width
	f.Height = mh.spec.Height
	f.Format = mh.spec.Format
	f.SetTimestamp(ts)
	if st.Deliverable() {
		n := mh.spec.BytesPerFrame()
		if int(n) > len(f.ImageBuffer) {
			n = uint32(len(f.ImageBuffer))
		}
		for i := uint32(0); i < n; i++ {
			f.ImageBuffer[i] = byte(i + mh.frames)
		}
		f.ImageSize = n
		mh.completed++
		if st == StatusDataMissing {
			mh.missed++
		}
	} else {
		f.ImageSize = 0
		mh.dropped++
		mh.erroneous++
	}
	m.mu.Unlock()

	q.done(f)
	return true
}

// generate はフレームレートに従ってフレームを完了させ続ける
func (m *MockDriver) generate(h Handle, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(float64(time.Second) / m.frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			mh, ok := m.handles[h]
			present := ok
			if ok {
				dev, exists := m.devices[mh.id]
				present = exists && dev.present
				if present && len(mh.queue) == 0 {
					// 受け皿となるバッファがない
					mh.dropped++
				}
			}
			m.mu.Unlock()
			if !present {
				continue
			}
			m.Complete(h, StatusSuccess)
		}
	}
}
