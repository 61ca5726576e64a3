package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"otcsnap/internal/driver"
)

// Registry はカメラの接続・切断通知を受け、スロットごとのセッションを駆動する
//
// 通知はドライバーのイベントゴルーチンから呼ばれ、停止処理の間はその場でブロックする。
// 停止処理中に同じカメラが再接続された場合は、停止完了後に改めて起動する。
type Registry struct {
	drv      driver.Driver
	sink     FrameSink
	slots    *SlotMap
	sessions []*Session
	logger   zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	bound     map[driver.HardwareID]*Session
	owner     map[int]driver.HardwareID
	leaving   map[driver.HardwareID]bool
	rearrived map[driver.HardwareID]bool
	present   map[driver.HardwareID]bool
	ready     chan struct{}
	stopped   bool

	wg sync.WaitGroup
}

// NewRegistry はスロット数ぶんのセッションを持つRegistryを作成する
func NewRegistry(drv driver.Driver, fs FrameSink, slots *SlotMap, cfg Config, logger zerolog.Logger, opts ...SessionOption) *Registry {
	r := &Registry{
		drv:       drv,
		sink:      fs,
		slots:     slots,
		logger:    logger.With().Str("component", "registry").Logger(),
		ctx:       context.Background(),
		bound:     make(map[driver.HardwareID]*Session),
		owner:     make(map[int]driver.HardwareID),
		leaving:   make(map[driver.HardwareID]bool),
		rearrived: make(map[driver.HardwareID]bool),
		present:   make(map[driver.HardwareID]bool),
		ready:     make(chan struct{}),
	}

	r.sessions = make([]*Session, slots.slots)
	for i := range r.sessions {
		s := NewSession(i, drv, fs, cfg, logger, opts...)
		user := s.observer
		s.observer = func(tr Transition) {
			r.onTransition(tr)
			if user != nil {
				user(tr)
			}
		}
		s.onFatal = r.onFatal
		r.sessions[i] = s
	}
	return r
}

// Start は接続・切断通知の購読を開始する
// 既に接続済みのカメラはこの呼び出しの中で起動される
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = context.WithoutCancel(ctx)
	r.stopped = false
	r.mu.Unlock()

	if err := r.drv.LinkEvents(r.HandleArrived, r.HandleLeft); err != nil {
		r.logger.Error().Err(err).Msg("接続通知の登録に失敗しました")
		return fmt.Errorf("接続通知の登録に失敗: %w", err)
	}
	r.logger.Info().Int("slots", len(r.sessions)).Msg("カメラの接続待ちを開始しました")
	return nil
}

// Stop は購読を解除し、すべてのセッションを停止する
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	if err := r.drv.UnlinkEvents(); err != nil {
		r.logger.Warn().Err(err).Msg("接続通知の登録解除に失敗しました")
	}

	for _, s := range r.sessions {
		s.RequestAbort()
	}

	var errs []error
	for _, s := range r.sessions {
		if err := s.Deactivate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("スロット %d の停止に失敗: %w", s.Slot(), err))
		}
	}
	r.wg.Wait()

	r.mu.Lock()
	r.bound = make(map[driver.HardwareID]*Session)
	r.owner = make(map[int]driver.HardwareID)
	r.leaving = make(map[driver.HardwareID]bool)
	r.rearrived = make(map[driver.HardwareID]bool)
	r.mu.Unlock()

	r.logger.Info().Msg("すべてのセッションを停止しました")
	return errors.Join(errs...)
}

// HandleArrived はカメラの接続通知を処理する
func (r *Registry) HandleArrived(hwID driver.HardwareID) {
	logger := r.logger.With().Str("hw_id", string(hwID)).Logger()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.present[hwID] = true
	if _, ok := r.bound[hwID]; ok {
		if r.leaving[hwID] {
			r.rearrived[hwID] = true
			logger.Info().Msg("停止処理中のカメラが再接続されました。停止完了後に起動します")
		} else {
			logger.Debug().Msg("起動済みのカメラの重複通知を無視します")
		}
		r.mu.Unlock()
		return
	}

	slot, ok := r.slots.Resolve(hwID, r.occupiedLocked)
	if !ok {
		r.mu.Unlock()
		logger.Warn().Msg("空きスロットがないため接続を無視します")
		return
	}
	if r.occupiedLocked(slot) {
		other := r.owner[slot]
		r.mu.Unlock()
		logger.Warn().Int("slot", slot).Str("occupant", string(other)).Msg("割り当て先のスロットが使用中のため接続を無視します")
		return
	}

	s := r.sessions[slot]
	r.bound[hwID] = s
	r.owner[slot] = hwID
	ctx := r.ctx
	r.mu.Unlock()

	logger.Info().Int("slot", slot).Msg("カメラが接続されました")

	if err := s.Activate(ctx, hwID); err != nil {
		logger.Error().Err(err).Str("kind", KindOf(err).String()).Msg("セッションの起動に失敗しました")
		r.mu.Lock()
		r.unbindLocked(hwID, slot)
		r.mu.Unlock()
		return
	}
	r.slots.Remember(hwID, slot)
}

// HandleLeft はカメラの切断通知を処理する
// 停止処理が終わるまで戻らない
func (r *Registry) HandleLeft(hwID driver.HardwareID) {
	r.mu.Lock()
	delete(r.present, hwID)
	delete(r.rearrived, hwID)
	r.mu.Unlock()

	r.logger.Info().Str("hw_id", string(hwID)).Msg("カメラが切断されました")
	r.detach(hwID, true)
}

// forgetter はカメラごとの記録を持つFrameSink
type forgetter interface {
	Forget(hwID driver.HardwareID)
}

// detach は hwID のセッションを停止してスロットを空ける
func (r *Registry) detach(hwID driver.HardwareID, unplugged bool) {
	logger := r.logger.With().Str("hw_id", string(hwID)).Logger()

	r.mu.Lock()
	s, ok := r.bound[hwID]
	if !ok || r.leaving[hwID] {
		r.mu.Unlock()
		return
	}
	r.leaving[hwID] = true
	ctx := r.ctx
	r.mu.Unlock()

	if unplugged {
		s.MarkUnplugged()
	}
	if err := s.Deactivate(ctx); err != nil {
		logger.Error().Err(err).Int("slot", s.Slot()).Msg("セッションの停止処理でエラーが発生しました")
	}

	if f, ok := r.sink.(forgetter); ok {
		f.Forget(hwID)
	}

	r.mu.Lock()
	r.unbindLocked(hwID, s.Slot())
	rearrive := r.rearrived[hwID] && r.present[hwID] && !r.stopped
	delete(r.rearrived, hwID)
	r.mu.Unlock()

	if rearrive {
		r.HandleArrived(hwID)
	}
}

// onFatal は取得中の致命的な失敗を受けてセッションを非同期に停止する
func (r *Registry) onFatal(s *Session) {
	hwID := s.HardwareID()

	r.mu.Lock()
	if r.stopped || hwID == "" {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.detach(hwID, false)
	}()
}

func (r *Registry) onTransition(tr Transition) {
	if tr.To != StateStreaming {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.ready)
	r.ready = make(chan struct{})
}

func (r *Registry) occupiedLocked(slot int) bool {
	_, ok := r.owner[slot]
	return ok
}

func (r *Registry) unbindLocked(hwID driver.HardwareID, slot int) {
	if r.bound[hwID] == r.sessions[slot] {
		delete(r.bound, hwID)
	}
	if r.owner[slot] == hwID {
		delete(r.owner, slot)
	}
	delete(r.leaving, hwID)
}

// WaitForCamera は少なくとも1台のカメラが取得中になるまで待つ
func (r *Registry) WaitForCamera(ctx context.Context) error {
	for {
		r.mu.Lock()
		ch := r.ready
		r.mu.Unlock()

		if r.Streaming() > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Streaming は取得中のセッション数を返す
func (r *Registry) Streaming() int {
	n := 0
	for _, s := range r.sessions {
		if s.State() == StateStreaming {
			n++
		}
	}
	return n
}

// Connected は接続中のカメラ台数を返す
func (r *Registry) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.present)
}

// Session はスロットのセッションを返す
func (r *Registry) Session(slot int) (*Session, bool) {
	if slot < 0 || slot >= len(r.sessions) {
		return nil, false
	}
	return r.sessions[slot], true
}

// Sessions はすべてのスロットの状態を返す
func (r *Registry) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}
