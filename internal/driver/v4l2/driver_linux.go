//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/blackjack/webcam"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"otcsnap/internal/driver"
)

// waitSeconds はフレーム待ちの上限（秒）
const waitSeconds = 1

// Config はV4L2ドライバーの設定
type Config struct {
	DeviceDir   string        // デバイスノードのあるディレクトリ
	BufferCount uint32        // カーネル側のmmapバッファ数
	Settle      time.Duration // 作成通知からオープン可能になるまでの猶予
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		DeviceDir:   "/dev",
		BufferCount: 4,
		Settle:      200 * time.Millisecond,
	}
}

type pending struct {
	frame *driver.Frame
	done  driver.FrameDoneFunc
}

type device struct {
	id   driver.HardwareID
	cam  *webcam.Webcam
	info formatInfo

	width      uint32
	height     uint32
	frameBytes uint32

	capturing bool
	acquiring bool
	frameRate float32
	enums     map[string]string
	queue     []pending

	stopRead chan struct{}
	readDone chan struct{}

	epoch      time.Time
	pace       pacer
	meter      rateMeter
	frameSeq   uint32
	completed  uint32
	dropped    uint32
	readErrors uint32
	gone       bool
}

// Driver はV4L2デバイスを扱う driver.Driver の実装
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	next    driver.Handle
	handles map[driver.Handle]*device
	opened  map[driver.HardwareID]driver.Handle

	linkMu    sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	known     map[driver.HardwareID]bool
}

// New は新しいDriverを作成する
func New(cfg Config, logger zerolog.Logger) (*Driver, error) {
	if cfg.DeviceDir == "" {
		cfg.DeviceDir = DefaultConfig().DeviceDir
	}
	if cfg.BufferCount == 0 {
		cfg.BufferCount = DefaultConfig().BufferCount
	}
	if _, err := os.Stat(cfg.DeviceDir); err != nil {
		return nil, fmt.Errorf("デバイスディレクトリを参照できません: %w", err)
	}
	return &Driver{
		cfg:     cfg,
		logger:  logger.With().Str("component", "v4l2").Logger(),
		handles: make(map[driver.Handle]*device),
		opened:  make(map[driver.HardwareID]driver.Handle),
		known:   make(map[driver.HardwareID]bool),
	}, nil
}

func (d *Driver) path(id driver.HardwareID) string {
	return filepath.Join(d.cfg.DeviceDir, string(id))
}

// probe はデバイスが取得可能なカメラかどうかを確認する
// メタデータ用ノードなど取得フォーマットを持たないものは除外する
func (d *Driver) probe(id driver.HardwareID) bool {
	cam, err := webcam.Open(d.path(id))
	if err != nil {
		d.logger.Debug().Err(err).Str("hw_id", string(id)).Msg("デバイスを開けないため除外します")
		return false
	}
	defer func() {
		_ = cam.Close()
	}()
	_, ok := chooseFormat(supportedFormats(cam))
	return ok
}

func supportedFormats(cam *webcam.Webcam) map[uint32]bool {
	supported := make(map[uint32]bool)
	for f := range cam.GetSupportedFormats() {
		supported[uint32(f)] = true
	}
	return supported
}

// LinkEvents は接続・切断通知の購読を登録する
// 既に存在するデバイスはこの呼び出しの中で通知する
func (d *Driver) LinkEvents(onArrive, onLeave driver.LinkFunc) error {
	d.linkMu.Lock()
	if d.watcher != nil {
		d.linkMu.Unlock()
		return driver.StatusBadSequence.Err("LinkEvents")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.linkMu.Unlock()
		return fmt.Errorf("デバイス監視の開始に失敗: %w", err)
	}
	if err := watcher.Add(d.cfg.DeviceDir); err != nil {
		_ = watcher.Close()
		d.linkMu.Unlock()
		return fmt.Errorf("デバイス監視の開始に失敗: %w", err)
	}
	d.watcher = watcher
	d.watchDone = make(chan struct{})

	ids, err := scanDevices(d.cfg.DeviceDir)
	if err != nil {
		d.logger.Warn().Err(err).Msg("初回スキャンに失敗しました")
	}
	var present []driver.HardwareID
	for _, id := range ids {
		if d.probe(id) {
			d.known[id] = true
			present = append(present, id)
		}
	}
	done := d.watchDone
	d.linkMu.Unlock()

	for _, id := range present {
		onArrive(id)
	}

	go d.watchLoop(watcher, done, onArrive, onLeave)
	return nil
}

func (d *Driver) watchLoop(w *fsnotify.Watcher, done chan struct{}, onArrive, onLeave driver.LinkFunc) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			id := driver.HardwareID(filepath.Base(event.Name))
			if !isVideoNode(string(id)) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				time.Sleep(d.cfg.Settle)
				if !d.probe(id) {
					continue
				}
				if d.markKnown(id, true) {
					onArrive(id)
				}
			case event.Has(fsnotify.Remove):
				d.markGone(id)
				if d.markKnown(id, false) {
					onLeave(id)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn().Err(err).Msg("デバイス監視でエラーが発生しました")
		}
	}
}

// markKnown は既知デバイスの集合を更新し、変化があったかを返す
func (d *Driver) markKnown(id driver.HardwareID, present bool) bool {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	if d.known[id] == present {
		return false
	}
	if present {
		d.known[id] = true
	} else {
		delete(d.known, id)
	}
	return true
}

// markGone はオープン中のデバイスを抜去済みにする
func (d *Driver) markGone(id driver.HardwareID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.opened[id]; ok {
		d.handles[h].gone = true
	}
}

// UnlinkEvents は購読を解除し、監視ゴルーチンの終了を待つ
func (d *Driver) UnlinkEvents() error {
	d.linkMu.Lock()
	w, done := d.watcher, d.watchDone
	d.watcher, d.watchDone = nil, nil
	d.known = make(map[driver.HardwareID]bool)
	d.linkMu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

// Open はデバイスを開いて取得フォーマットを決める
func (d *Driver) Open(id driver.HardwareID, _ driver.AccessMode) (driver.Handle, error) {
	d.mu.Lock()
	if _, busy := d.opened[id]; busy {
		d.mu.Unlock()
		return 0, driver.StatusAccessDenied.Err("Open")
	}
	d.mu.Unlock()

	cam, err := webcam.Open(d.path(id))
	if err != nil {
		return 0, openError(err)
	}
	dev, err := negotiate(id, cam)
	if err != nil {
		_ = cam.Close()
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := d.next
	d.handles[h] = dev
	d.opened[id] = h
	d.logger.Info().
		Str("hw_id", string(id)).
		Uint32("width", dev.width).
		Uint32("height", dev.height).
		Str("format", dev.info.format.String()).
		Msg("デバイスを開きました")
	return h, nil
}

func openError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("%w: %v", driver.StatusNotFound.Err("Open"), err)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", driver.StatusAccessDenied.Err("Open"), err)
	default:
		return fmt.Errorf("%w: %v", driver.StatusInternalFault.Err("Open"), err)
	}
}

// negotiate は対応フォーマットの最大サイズで取得形式を設定する
func negotiate(id driver.HardwareID, cam *webcam.Webcam) (*device, error) {
	fourcc, ok := chooseFormat(supportedFormats(cam))
	if !ok {
		return nil, driver.StatusInvalidSetup.Err("Open")
	}

	var sizes []frameSize
	for _, s := range cam.GetSupportedFrameSizes(webcam.PixelFormat(fourcc)) {
		sizes = append(sizes, frameSize{Width: s.MaxWidth, Height: s.MaxHeight})
	}
	size, ok := largestSize(sizes)
	if !ok {
		return nil, driver.StatusInvalidSetup.Err("Open")
	}

	got, w, h, err := cam.SetImageFormat(webcam.PixelFormat(fourcc), size.Width, size.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.StatusInvalidSetup.Err("SetImageFormat"), err)
	}
	info, ok := formats[uint32(got)]
	if !ok {
		return nil, driver.StatusInvalidSetup.Err("SetImageFormat")
	}

	return &device{
		id:         id,
		cam:        cam,
		info:       info,
		width:      w,
		height:     h,
		frameBytes: w * h * info.bytesPerPixel,
		enums: map[string]string{
			driver.AttrFrameStartTriggerMode: "Freerun",
		},
		epoch: time.Now(),
	}, nil
}

// lookup はハンドルを検索する（ロック済み前提）
func (d *Driver) lookup(h driver.Handle, op string) (*device, error) {
	dev, ok := d.handles[h]
	if !ok {
		return nil, driver.StatusBadHandle.Err(op)
	}
	if dev.gone {
		return dev, driver.StatusUnplugged.Err(op)
	}
	return dev, nil
}

// Close はデバイスを閉じる
func (d *Driver) Close(h driver.Handle) error {
	d.stopReader(h)

	d.mu.Lock()
	dev, ok := d.handles[h]
	if !ok {
		d.mu.Unlock()
		return driver.StatusBadHandle.Err("Close")
	}
	delete(d.handles, h)
	delete(d.opened, dev.id)
	d.mu.Unlock()

	if err := dev.cam.Close(); err != nil {
		return fmt.Errorf("%w: %v", driver.StatusInternalFault.Err("Close"), err)
	}
	return nil
}

// AttrUint32 は整数属性を読む
func (d *Driver) AttrUint32(h driver.Handle, name string) (uint32, error) {
	op := "Attr:" + name
	d.mu.Lock()
	dev, err := d.lookup(h, op)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	switch name {
	case driver.AttrTotalBytesPerFrame:
		defer d.mu.Unlock()
		return dev.frameBytes, nil
	case driver.AttrStatFramesCompleted:
		defer d.mu.Unlock()
		return dev.completed, nil
	case driver.AttrStatFramesDropped:
		defer d.mu.Unlock()
		return dev.dropped, nil
	case driver.AttrStatPacketsMissed:
		defer d.mu.Unlock()
		return 0, nil
	case driver.AttrStatPacketsErroneous:
		defer d.mu.Unlock()
		return dev.readErrors, nil
	}
	cam := dev.cam
	d.mu.Unlock()

	cid, ok := controlFor(name)
	if !ok {
		return 0, driver.StatusNotFound.Err(op)
	}
	v, err := cam.GetControl(webcam.ControlID(cid))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", driver.StatusUnavailable.Err(op), err)
	}
	if v < 0 {
		v = 0
	}
	return uint32(v), nil
}

// AttrFloat32 は浮動小数点属性を読む
func (d *Driver) AttrFloat32(h driver.Handle, name string) (float32, error) {
	op := "Attr:" + name
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(h, op)
	if err != nil {
		return 0, err
	}
	switch name {
	case driver.AttrStatFrameRate:
		if !dev.acquiring {
			return 0, nil
		}
		return dev.meter.rate, nil
	case driver.AttrFrameRate:
		return dev.frameRate, nil
	}
	return 0, driver.StatusNotFound.Err(op)
}

// AttrEnum は列挙属性を読む
func (d *Driver) AttrEnum(h driver.Handle, name string) (string, error) {
	op := "Attr:" + name
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(h, op)
	if err != nil {
		return "", err
	}
	if v, ok := dev.enums[name]; ok {
		return v, nil
	}
	return "", driver.StatusNotFound.Err(op)
}

// SetAttrEnum は列挙属性を書く
func (d *Driver) SetAttrEnum(h driver.Handle, name, value string) error {
	op := "SetAttrEnum:" + name
	d.mu.Lock()
	dev, err := d.lookup(h, op)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if name == driver.AttrFrameStartTriggerMode {
		defer d.mu.Unlock()
		switch value {
		case driver.EnumFixedRate, "Freerun":
			dev.enums[name] = value
			return nil
		}
		return driver.StatusOutOfRange.Err(op)
	}
	cam := dev.cam
	d.mu.Unlock()

	cid, auto, ok := autoControlFor(name)
	if !ok {
		return driver.StatusNotFound.Err(op)
	}
	if value != driver.EnumAuto {
		return driver.StatusOutOfRange.Err(op)
	}
	if err := cam.SetControl(webcam.ControlID(cid), auto); err != nil {
		return fmt.Errorf("%w: %v", driver.StatusForbidden.Err(op), err)
	}

	d.mu.Lock()
	dev.enums[name] = value
	d.mu.Unlock()
	return nil
}

// SetAttrFloat32 は浮動小数点属性を書く
func (d *Driver) SetAttrFloat32(h driver.Handle, name string, value float32) error {
	op := "SetAttrFloat32:" + name
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(h, op)
	if err != nil {
		return err
	}
	if name != driver.AttrFrameRate {
		return driver.StatusNotFound.Err(op)
	}
	if value <= 0 {
		return driver.StatusOutOfRange.Err(op)
	}
	dev.frameRate = value
	dev.pace.setRate(value)
	return nil
}

// FrameByteSize は1フレームに必要なバイト数を返す
func (d *Driver) FrameByteSize(h driver.Handle) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(h, "FrameByteSize")
	if err != nil {
		return 0, err
	}
	return dev.frameBytes, nil
}

// CaptureBegin はストリーミングを開始して読み出しゴルーチンを起動する
func (d *Driver) CaptureBegin(h driver.Handle) error {
	d.mu.Lock()
	dev, err := d.lookup(h, "CaptureBegin")
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if dev.capturing {
		d.mu.Unlock()
		return driver.StatusBadSequence.Err("CaptureBegin")
	}
	cam := dev.cam
	d.mu.Unlock()

	if err := cam.SetBufferCount(d.cfg.BufferCount); err != nil {
		return fmt.Errorf("%w: %v", driver.StatusResources.Err("CaptureBegin"), err)
	}
	if err := cam.StartStreaming(); err != nil {
		return fmt.Errorf("%w: %v", driver.StatusResources.Err("CaptureBegin"), err)
	}

	d.mu.Lock()
	dev.capturing = true
	dev.stopRead = make(chan struct{})
	dev.readDone = make(chan struct{})
	stop, done := dev.stopRead, dev.readDone
	d.mu.Unlock()

	go d.readLoop(h, dev, stop, done)
	return nil
}

// CaptureEnd はストリーミングを止め、残ったフレームを取り消しとして返す
func (d *Driver) CaptureEnd(h driver.Handle) error {
	d.stopReader(h)

	d.mu.Lock()
	dev, ok := d.handles[h]
	if !ok {
		d.mu.Unlock()
		return driver.StatusBadHandle.Err("CaptureEnd")
	}
	wasCapturing := dev.capturing
	dev.capturing = false
	dev.acquiring = false
	cancelled := dev.queue
	dev.queue = nil
	gone := dev.gone
	cam := dev.cam
	d.mu.Unlock()

	finish(cancelled, driver.StatusCancelled)
	if !wasCapturing || gone {
		return nil
	}
	if err := cam.StopStreaming(); err != nil {
		return fmt.Errorf("%w: %v", driver.StatusInternalFault.Err("CaptureEnd"), err)
	}
	return nil
}

// stopReader は読み出しゴルーチンを止めて終了を待つ
func (d *Driver) stopReader(h driver.Handle) {
	d.mu.Lock()
	dev, ok := d.handles[h]
	if !ok || dev.stopRead == nil {
		d.mu.Unlock()
		return
	}
	stop, done := dev.stopRead, dev.readDone
	dev.stopRead, dev.readDone = nil, nil
	d.mu.Unlock()

	close(stop)
	<-done
}

// CommandRun はカメラコマンドを実行する
func (d *Driver) CommandRun(h driver.Handle, command string) error {
	op := "Command:" + command
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(h, op)
	if err != nil {
		return err
	}
	switch command {
	case driver.CommandAcquisitionStart:
		if !dev.capturing {
			return driver.StatusBadSequence.Err(op)
		}
		dev.acquiring = true
		dev.pace.primed = false
	case driver.CommandAcquisitionStop:
		dev.acquiring = false
	case driver.CommandTimeStampReset:
		dev.epoch = time.Now()
	default:
		return driver.StatusNotFound.Err(op)
	}
	return nil
}

// QueueFrame はフレームを取得キューに積む
func (d *Driver) QueueFrame(h driver.Handle, f *driver.Frame, done driver.FrameDoneFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(h, "QueueFrame")
	if err != nil {
		return err
	}
	if !dev.capturing {
		return driver.StatusBadSequence.Err("QueueFrame")
	}
	if uint32(len(f.ImageBuffer)) < dev.frameBytes {
		return driver.StatusBufferTooSmall.Err("QueueFrame")
	}
	for _, p := range dev.queue {
		if p.frame == f {
			return driver.StatusBadParameter.Err("QueueFrame")
		}
	}
	dev.queue = append(dev.queue, pending{frame: f, done: done})
	return nil
}

// ClearQueue はキュー内の全フレームを取り消しとして返す
func (d *Driver) ClearQueue(h driver.Handle) error {
	d.mu.Lock()
	dev, ok := d.handles[h]
	if !ok {
		d.mu.Unlock()
		return driver.StatusBadHandle.Err("ClearQueue")
	}
	cancelled := dev.queue
	dev.queue = nil
	d.mu.Unlock()

	finish(cancelled, driver.StatusCancelled)
	return nil
}

func finish(frames []pending, st driver.Status) {
	for _, p := range frames {
		p.frame.Status = st
		p.frame.ImageSize = 0
		p.done(p.frame)
	}
}

// readLoop はデバイスからフレームを読み出し、キューの先頭のフレームに書き込む
func (d *Driver) readLoop(h driver.Handle, dev *device, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger := d.logger.With().Str("hw_id", string(dev.id)).Logger()

	for {
		select {
		case <-stop:
			return
		default:
		}

		err := dev.cam.WaitForFrame(waitSeconds)
		if err != nil {
			var timeout *webcam.Timeout
			if errors.As(err, &timeout) {
				continue
			}
			if d.failReader(dev, err) {
				logger.Warn().Err(err).Msg("デバイスが応答しないため読み出しを終了します")
				return
			}
			continue
		}

		data, index, err := dev.cam.GetFrame()
		if err != nil {
			if d.failReader(dev, err) {
				return
			}
			continue
		}
		if len(data) == 0 {
			continue
		}
		d.deliver(dev, data)
		if err := dev.cam.ReleaseFrame(index); err != nil {
			logger.Debug().Err(err).Msg("フレームの返却に失敗しました")
		}
	}
}

// failReader は読み出しエラーを記録し、デバイスが消えていれば待機中のフレームを返して true を返す
func (d *Driver) failReader(dev *device, err error) bool {
	d.mu.Lock()
	dev.readErrors++
	if !errors.Is(err, syscall.ENODEV) && !dev.gone {
		d.mu.Unlock()
		return false
	}
	dev.gone = true
	lost := dev.queue
	dev.queue = nil
	d.mu.Unlock()

	finish(lost, driver.StatusUnplugged)
	return true
}

// deliver は読み出したデータをキューの先頭のフレームに書き込んで完了を通知する
func (d *Driver) deliver(dev *device, data []byte) {
	now := time.Now()

	d.mu.Lock()
	if !dev.acquiring {
		d.mu.Unlock()
		return
	}
	if dev.enums[driver.AttrFrameStartTriggerMode] == driver.EnumFixedRate && !dev.pace.admit(now.UnixNano()) {
		d.mu.Unlock()
		return
	}
	dev.frameSeq++
	if len(dev.queue) == 0 {
		dev.dropped++
		d.mu.Unlock()
		return
	}
	p := dev.queue[0]
	dev.queue = dev.queue[1:]

	f := p.frame
	n := copy(f.ImageBuffer, data)
	f.ImageSize = uint32(n)
	f.Width = dev.width
	f.Height = dev.height
	f.Format = dev.info.format
	f.FrameCount = dev.frameSeq
	f.SetTimestamp(uint64(now.Sub(dev.epoch).Microseconds()))
	f.Status = driver.StatusSuccess
	if n < len(data) || uint32(n) < dev.frameBytes {
		f.Status = driver.StatusDataMissing
	}
	dev.completed++
	dev.meter.observe(dev.completed, now.UnixNano())
	d.mu.Unlock()

	p.done(f)
}

var _ driver.Driver = (*Driver)(nil)
