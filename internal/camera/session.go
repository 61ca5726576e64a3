package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otcsnap/internal/driver"
	"otcsnap/internal/metrics"
	"otcsnap/internal/sink"
	"otcsnap/internal/stats"
)

// openCamera はオープン中のカメラ
// sink.Origin と stats.CounterSource を兼ねる
type openCamera struct {
	drv    driver.Driver
	handle driver.Handle
	hwID   driver.HardwareID
}

func (c *openCamera) HardwareID() driver.HardwareID { return c.hwID }

func (c *openCamera) AttrUint32(name string) (uint32, error) {
	return c.drv.AttrUint32(c.handle, name)
}

func (c *openCamera) AttrFloat32(name string) (float32, error) {
	return c.drv.AttrFloat32(c.handle, name)
}

// activation は1回の起動から停止までに使う資源
// 完了コールバックはこの構造体を通じてセッションとプールを参照する
type activation struct {
	cam     *openCamera
	pool    *BufferPool
	runID   string
	done    driver.FrameDoneFunc
	logger  zerolog.Logger
	sampler *stats.Sampler

	stopSampler context.CancelFunc
	samplerDone chan struct{}
}

// Session は1スロット分のカメラのライフサイクルを管理する
//
// Activate と Deactivate はライフサイクル用のロックで直列化される。
// 完了コールバックは状態の読み取りロックだけを取って再投入を判断するため、
// Deactivate が Draining に遷移した後に新たな投入が起きることはない。
type Session struct {
	slot     int
	drv      driver.Driver
	sink     FrameSink
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	observer TransitionFunc
	onFatal  func(*Session)

	lifecycle sync.Mutex

	mu    sync.RWMutex
	state State
	since time.Time
	hwID  driver.HardwareID
	runID string
	act   *activation

	abortRequested atomic.Bool
	unplugged      atomic.Bool
	readyToCapture atomic.Bool
	fatalFired     atomic.Bool
}

// SessionOption はセッションの設定を変更する
type SessionOption func(*Session)

// WithTransitionObserver は状態遷移の通知先を設定する
func WithTransitionObserver(fn TransitionFunc) SessionOption {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithMetrics はメトリクスの記録先を設定する
func WithMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession は Idle 状態のセッションを作成する
func NewSession(slot int, drv driver.Driver, fs FrameSink, cfg Config, logger zerolog.Logger, opts ...SessionOption) *Session {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	s := &Session{
		slot:   slot,
		drv:    drv,
		sink:   fs,
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Int("slot", slot).Logger(),
		state:  StateIdle,
		since:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Slot はスロット番号を返す
func (s *Session) Slot() int { return s.slot }

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// HardwareID は割り当て中のカメラを返す（Idle では空）
func (s *Session) HardwareID() driver.HardwareID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hwID
}

// ReadyToCapture は全バッファの投入を終えて取得中かどうかを返す
func (s *Session) ReadyToCapture() bool {
	return s.readyToCapture.Load()
}

// RequestAbort は操作者による停止を要求する
func (s *Session) RequestAbort() {
	s.abortRequested.Store(true)
}

// MarkUnplugged はカメラが抜かれたことを記録する
func (s *Session) MarkUnplugged() {
	s.unplugged.Store(true)
}

func (s *Session) stopRequested() bool {
	return s.abortRequested.Load() || s.unplugged.Load()
}

// Pool は起動中のバッファプールを返す（Idle では nil）
func (s *Session) Pool() *BufferPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.act == nil {
		return nil
	}
	return s.act.pool
}

// Info は状態表示用の情報を返す
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	state := s.state
	info := SessionInfo{
		Slot:           s.slot,
		HardwareID:     string(s.hwID),
		Since:          s.since,
		ReadyToCapture: s.readyToCapture.Load(),
	}
	act := s.act
	var sampler *stats.Sampler
	if act != nil {
		sampler = act.sampler
	}
	s.mu.RUnlock()

	if s.unplugged.Load() && (state == StateDraining || state == StateStopped) {
		state = StateUnplugged
	}
	info.State = state.String()

	if act != nil {
		info.RunID = act.runID
		c := act.pool.Counts()
		info.Buffers = &c
		if sampler != nil {
			snap := sampler.Snapshot()
			info.Stats = &snap
		}
	}
	return info
}

// setStateLocked は状態を更新し、通知内容を返す（書き込みロック済み前提）
func (s *Session) setStateLocked(to State) Transition {
	tr := Transition{
		Slot:       s.slot,
		HardwareID: s.hwID,
		From:       s.state,
		To:         to,
		At:         time.Now(),
	}
	tr.RunID = s.runID
	s.state = to
	s.since = tr.At
	return tr
}

// transition は状態を更新して通知する
func (s *Session) transition(to State) {
	s.mu.Lock()
	tr := s.setStateLocked(to)
	s.mu.Unlock()
	s.notify(tr)
}

func (s *Session) notify(tr Transition) {
	s.metrics.ObserveTransition(strconv.Itoa(tr.Slot), tr.To.String(),
		tr.To == StateStreaming, tr.From == StateStreaming)
	s.logger.Debug().
		Str("hw_id", string(tr.HardwareID)).
		Str("run_id", tr.RunID).
		Stringer("from", tr.From).
		Stringer("to", tr.To).
		Msg("状態遷移")
	if s.observer != nil {
		s.observer(tr)
	}
}

// Activate はカメラを開いて取得を開始する
// 途中で失敗した場合は確保した資源を戻して Idle に戻る
func (s *Session) Activate(ctx context.Context, hwID driver.HardwareID) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("起動を中断: %w", err)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		bound := s.hwID
		s.mu.Unlock()
		return &Error{Kind: KindConfigurationError, Op: "Activate", Slot: s.slot, HardwareID: bound, Err: ErrSlotOccupied}
	}
	s.hwID = hwID
	s.runID = uuid.NewString()
	runID := s.runID
	s.abortRequested.Store(false)
	s.unplugged.Store(false)
	s.readyToCapture.Store(false)
	s.fatalFired.Store(false)
	tr := s.setStateLocked(StateOpening)
	s.mu.Unlock()
	s.notify(tr)

	logger := s.logger.With().Str("hw_id", string(hwID)).Str("run_id", runID).Logger()

	// Idle → Opening
	h, err := s.drv.Open(hwID, driver.AccessMaster)
	if err != nil {
		s.resetIdle()
		return wrapDriverError("Open", s.slot, hwID, err)
	}
	cam := &openCamera{drv: s.drv, handle: h, hwID: hwID}

	// Opening → Configuring
	s.transition(StateConfiguring)

	size, err := s.drv.FrameByteSize(h)
	if err != nil {
		s.closeQuietly(logger, cam)
		s.resetIdle()
		return wrapDriverError("FrameByteSize", s.slot, hwID, err)
	}

	pool, err := AllocatePool(s.cfg.PoolSize, size, WithMaxFrameBytes(s.cfg.MaxFrameBytes))
	if err != nil {
		s.closeQuietly(logger, cam)
		s.resetIdle()
		var ce *Error
		if errors.As(err, &ce) {
			ce.Slot = s.slot
			ce.HardwareID = hwID
		}
		return err
	}

	act := &activation{cam: cam, pool: pool, runID: runID, logger: logger}
	act.done = func(f *driver.Frame) {
		s.onFrameDone(act, f)
	}

	// Configuring → Streaming
	if err := s.drv.CaptureBegin(h); err != nil {
		_ = pool.Release()
		s.closeQuietly(logger, cam)
		s.resetIdle()
		return wrapDriverError("CaptureBegin", s.slot, hwID, err)
	}

	if err := s.drv.CommandRun(h, driver.CommandTimeStampReset); err != nil {
		logger.Warn().Err(err).Msg("タイムスタンプのリセットに失敗しました")
	}
	for _, attr := range []string{driver.AttrExposureMode, driver.AttrGainMode, driver.AttrWhitebalMode} {
		if err := s.drv.SetAttrEnum(h, attr, driver.EnumAuto); err != nil {
			logger.Warn().Err(err).Str("attr", attr).Msg("自動調整を有効にできませんでした")
		}
	}

	if err := s.startAcquisition(h); err != nil {
		_ = s.drv.CaptureEnd(h)
		_ = pool.Release()
		s.closeQuietly(logger, cam)
		s.resetIdle()
		return wrapDriverError("StartAcquisition", s.slot, hwID, err)
	}

	s.mu.Lock()
	s.act = act
	tr = s.setStateLocked(StateStreaming)
	s.mu.Unlock()
	s.notify(tr)

	if err := pool.SubmitAll(s.drv, h, act.done); err != nil {
		logger.Error().Err(err).Msg("バッファの投入に失敗したため停止します")
		s.mu.Lock()
		tr = s.setStateLocked(StateDraining)
		s.mu.Unlock()
		s.notify(tr)
		_ = s.teardown(ctx, act)
		return wrapDriverError("SubmitAll", s.slot, hwID, err)
	}

	s.readyToCapture.Store(true)
	s.startSampler(ctx, act)

	logger.Info().
		Uint32("bytes_per_frame", size).
		Int("buffers", pool.Size()).
		Msg("取得を開始しました")
	return nil
}

// startAcquisition は取得を開始し、固定レートのトリガーを設定する
func (s *Session) startAcquisition(h driver.Handle) error {
	if err := s.drv.CommandRun(h, driver.CommandAcquisitionStart); err != nil {
		return err
	}
	if err := s.drv.SetAttrFloat32(h, driver.AttrFrameRate, s.cfg.FrameRate); err != nil {
		_ = s.drv.CommandRun(h, driver.CommandAcquisitionStop)
		return err
	}
	if err := s.drv.SetAttrEnum(h, driver.AttrFrameStartTriggerMode, driver.EnumFixedRate); err != nil {
		_ = s.drv.CommandRun(h, driver.CommandAcquisitionStop)
		return err
	}
	return nil
}

func (s *Session) startSampler(ctx context.Context, act *activation) {
	labels := stats.Labels{Slot: strconv.Itoa(s.slot), HardwareID: string(act.cam.hwID)}
	sampler := stats.NewSampler(act.cam, s.cfg.Stats, labels, act.logger, s.metrics, s.stopRequested)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	act.sampler = sampler
	act.stopSampler = cancel
	act.samplerDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		sampler.Run(sctx)
	}()
}

func (s *Session) closeQuietly(logger zerolog.Logger, cam *openCamera) {
	if err := s.drv.Close(cam.handle); err != nil {
		logger.Warn().Err(err).Msg("カメラのクローズに失敗しました")
	}
}

// resetIdle は起動途中の失敗から Idle に戻す
func (s *Session) resetIdle() {
	s.mu.Lock()
	tr := s.setStateLocked(StateIdle)
	s.hwID = ""
	s.runID = ""
	s.act = nil
	s.mu.Unlock()
	s.notify(tr)
}

// onFrameDone はドライバーのコールバックゴルーチンで完了フレームを処理する
func (s *Session) onFrameDone(act *activation, f *driver.Frame) {
	fb, err := act.pool.Complete(f)
	if err != nil {
		act.logger.Error().Err(err).Msg("想定外のフレーム完了通知")
		return
	}

	status := f.Status
	decision := sink.Drop
	if s.sink != nil {
		var werr error
		decision, werr = s.sink.Deliver(act.cam, f)
		if werr != nil {
			werr = &Error{Kind: KindTransientIO, Op: "Persist", Slot: s.slot, HardwareID: act.cam.hwID, Err: werr}
			act.logger.Warn().Err(werr).Str("kind", KindOf(werr).String()).Msg("フレームの保存に失敗しました")
		}
	} else if status.Deliverable() {
		decision = sink.Requeue
	}

	if status == driver.StatusUnplugged {
		s.unplugged.Store(true)
		act.pool.Return(fb)
		s.fireFatal(act, driver.StatusUnplugged.Err("FrameDone"))
		return
	}

	if decision == sink.Requeue {
		s.mu.RLock()
		ok := s.act == act && s.state == StateStreaming && !s.stopRequested()
		if ok {
			err = act.pool.Submit(fb, s.drv, act.cam.handle, act.done)
		}
		s.mu.RUnlock()

		if !ok {
			act.pool.Return(fb)
			return
		}
		if err != nil && !errors.Is(err, ErrPoolReleased) {
			// 再投入を拒否されたバッファは戻らないため、取得を続けられない
			act.logger.Error().Err(err).Str("kind", KindOf(err).String()).Msg("バッファの再投入に失敗しました")
			if KindOf(err) == KindHardwareAbsence {
				s.unplugged.Store(true)
			}
			s.fireFatal(act, err)
		}
		return
	}

	act.pool.Return(fb)
}

// fireFatal は停止処理を一度だけ依頼する
func (s *Session) fireFatal(act *activation, err error) {
	if !s.fatalFired.CompareAndSwap(false, true) {
		return
	}
	act.logger.Error().Err(err).Msg("取得を継続できないため停止します")
	if s.onFatal != nil {
		s.onFatal(s)
	}
}

// Deactivate は取得を停止してカメラを閉じ、Idle に戻す
// Idle のセッションに対しては何もしない
func (s *Session) Deactivate(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == StateIdle || s.act == nil {
		s.mu.Unlock()
		return nil
	}
	act := s.act
	tr := s.setStateLocked(StateDraining)
	s.mu.Unlock()
	s.notify(tr)

	return s.teardown(ctx, act)
}

// teardown は Draining から Idle までの停止処理を行う
func (s *Session) teardown(ctx context.Context, act *activation) error {
	s.readyToCapture.Store(false)
	logger := act.logger
	h := act.cam.handle

	// 統計採取を止め、終了を待つ
	s.mu.RLock()
	stopSampler, samplerDone := act.stopSampler, act.samplerDone
	s.mu.RUnlock()
	if stopSampler != nil {
		stopSampler()
		<-samplerDone
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	if err := s.clearQueue(drainCtx, h); err != nil {
		errs = append(errs, wrapDriverError("ClearQueue", s.slot, act.cam.hwID, err))
	}
	drained := true
	if err := act.pool.WaitIdle(drainCtx); err != nil {
		drained = false
		errs = append(errs, &Error{Kind: KindDriverFault, Op: "Drain", Slot: s.slot, HardwareID: act.cam.hwID, Err: err})
		event := logger.Error().Err(err).Interface("buffers", act.pool.Counts())
		if oldest, ok := act.pool.OldestInFlight(); ok {
			event = event.Dur("oldest_in_flight", time.Since(oldest))
		}
		event.Msg("ドライバーがバッファを返却しないため、プールを解放せずに停止します")
	}

	// Draining → Stopped
	s.transition(StateStopped)

	unplugged := s.unplugged.Load()
	if err := s.drv.CommandRun(h, driver.CommandAcquisitionStop); err != nil && !unplugged {
		logger.Warn().Err(err).Msg("取得の停止に失敗しました")
	}
	if err := s.drv.CaptureEnd(h); err != nil && !unplugged {
		logger.Warn().Err(err).Msg("キャプチャの終了に失敗しました")
	}
	if err := s.drv.Close(h); err != nil {
		logger.Warn().Err(err).Msg("カメラのクローズに失敗しました")
	}

	// Stopped → Idle
	if drained {
		if err := act.pool.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	tr := s.setStateLocked(StateIdle)
	s.hwID = ""
	s.runID = ""
	s.act = nil
	s.mu.Unlock()
	s.notify(tr)

	logger.Info().Bool("unplugged", unplugged).Msg("取得を停止しました")
	return errors.Join(errs...)
}

// clearQueue はキューのクリアをタイムアウト付きで行う
func (s *Session) clearQueue(ctx context.Context, h driver.Handle) error {
	done := make(chan error, 1)
	go func() {
		done <- s.drv.ClearQueue(h)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("キューのクリアがタイムアウトしました: %w", ctx.Err())
	}
}
