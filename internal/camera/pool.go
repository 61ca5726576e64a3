package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otcsnap/internal/driver"
)

// BufferState はフレームバッファの所有状態
type BufferState int

const (
	BufferFree                 BufferState = iota // セッションが保持し、未投入
	BufferInFlight                                // ドライバーが所有
	BufferCompletedPendingSink                    // 完了通知を受け、保存処理中
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "Free"
	case BufferInFlight:
		return "InFlight"
	case BufferCompletedPendingSink:
		return "CompletedPendingSink"
	default:
		return "Unknown"
	}
}

// DefaultMaxFrameBytes は1フレームあたりの上限バイト数のデフォルト値
const DefaultMaxFrameBytes = 64 << 20

// FrameBuffer はプールに属する1枚分のバッファ
type FrameBuffer struct {
	index       int
	frame       *driver.Frame
	state       BufferState
	submittedAt time.Time
}

// Index はプール内の位置を返す
func (fb *FrameBuffer) Index() int { return fb.index }

// Frame はドライバーに渡すフレームを返す
func (fb *FrameBuffer) Frame() *driver.Frame { return fb.frame }

// Counts は状態ごとのバッファ数
type Counts struct {
	Free     int `json:"free"`
	InFlight int `json:"in_flight"`
	Pending  int `json:"pending"`
}

// Total はバッファの総数を返す
func (c Counts) Total() int { return c.Free + c.InFlight + c.Pending }

// Outstanding はセッションの手元にないバッファ数を返す
func (c Counts) Outstanding() int { return c.InFlight + c.Pending }

// Allocator はバッファの記憶領域を確保する
type Allocator func(size int) ([]byte, error)

type poolOptions struct {
	maxFrameBytes uint32
	allocate      Allocator
}

// PoolOption はプール作成時の設定
type PoolOption func(*poolOptions)

// WithMaxFrameBytes は1フレームあたりの上限バイト数を設定する
func WithMaxFrameBytes(n uint32) PoolOption {
	return func(o *poolOptions) {
		if n > 0 {
			o.maxFrameBytes = n
		}
	}
}

// WithAllocator は記憶領域の確保方法を差し替える
func WithAllocator(a Allocator) PoolOption {
	return func(o *poolOptions) {
		o.allocate = a
	}
}

func defaultAllocator(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// BufferPool は1回のセッション起動で使う固定数のフレームバッファ
//
// 作成後に数や容量が変わることはない。ドライバーから返ってきた *driver.Frame は
// 内部の対応表で FrameBuffer に引き当てる。
type BufferPool struct {
	mu            sync.Mutex
	idle          *sync.Cond
	buffers       []*FrameBuffer
	byFrame       map[*driver.Frame]*FrameBuffer
	bytesPerFrame uint32
	released      bool
}

// AllocatePool は count 枚のバッファをまとめて確保する
// 1枚でも確保に失敗した場合はそれまでの確保分を捨ててエラーを返す
func AllocatePool(count int, bytesPerFrame uint32, opts ...PoolOption) (*BufferPool, error) {
	o := poolOptions{
		maxFrameBytes: DefaultMaxFrameBytes,
		allocate:      defaultAllocator,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if count <= 0 {
		return nil, &Error{Kind: KindConfigurationError, Op: "AllocatePool", Err: fmt.Errorf("バッファ数が不正です: %d", count)}
	}
	if bytesPerFrame == 0 || bytesPerFrame > o.maxFrameBytes {
		return nil, &Error{
			Kind: KindConfigurationError,
			Op:   "AllocatePool",
			Err:  fmt.Errorf("フレームサイズが範囲外です: %d (上限 %d)", bytesPerFrame, o.maxFrameBytes),
		}
	}

	p := &BufferPool{
		buffers:       make([]*FrameBuffer, 0, count),
		byFrame:       make(map[*driver.Frame]*FrameBuffer, count),
		bytesPerFrame: bytesPerFrame,
	}
	p.idle = sync.NewCond(&p.mu)

	for i := 0; i < count; i++ {
		mem, err := o.allocate(int(bytesPerFrame))
		if err == nil && len(mem) < int(bytesPerFrame) {
			err = fmt.Errorf("確保した領域が不足しています: %d < %d", len(mem), bytesPerFrame)
		}
		if err != nil {
			for _, fb := range p.buffers {
				fb.frame.ImageBuffer = nil
			}
			return nil, &Error{
				Kind: KindResourceExhaustion,
				Op:   "AllocatePool",
				Err:  fmt.Errorf("バッファ %d/%d の確保に失敗: %w", i+1, count, err),
			}
		}
		f := &driver.Frame{ImageBuffer: mem[:bytesPerFrame:bytesPerFrame]}
		fb := &FrameBuffer{index: i, frame: f}
		p.buffers = append(p.buffers, fb)
		p.byFrame[f] = fb
	}

	return p, nil
}

// Size はバッファ数を返す
func (p *BufferPool) Size() int {
	return len(p.buffers)
}

// BytesPerFrame は1枚あたりの容量を返す
func (p *BufferPool) BytesPerFrame() uint32 {
	return p.bytesPerFrame
}

// SubmitAll は手元にあるすべてのバッファをドライバーへ投入する
// 途中で失敗した場合は残りを投入せずにエラーを返す
func (p *BufferPool) SubmitAll(q driver.Queuer, h driver.Handle, done driver.FrameDoneFunc) error {
	p.mu.Lock()
	free := make([]*FrameBuffer, 0, len(p.buffers))
	for _, fb := range p.buffers {
		if fb.state == BufferFree {
			free = append(free, fb)
		}
	}
	p.mu.Unlock()

	for _, fb := range free {
		if err := p.Submit(fb, q, h, done); err != nil {
			return err
		}
	}
	return nil
}

// Submit はバッファを1枚ドライバーへ投入する
// 投入に失敗したバッファは手元に戻る
func (p *BufferPool) Submit(fb *FrameBuffer, q driver.Queuer, h driver.Handle, done driver.FrameDoneFunc) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrPoolReleased
	}
	if p.byFrame[fb.frame] != fb {
		p.mu.Unlock()
		return ErrUnknownFrame
	}
	if fb.state == BufferInFlight {
		p.mu.Unlock()
		return fmt.Errorf("バッファ %d の再投入: %w", fb.index, ErrInFlight)
	}
	fb.state = BufferInFlight
	fb.submittedAt = time.Now()
	fb.frame.Status = driver.StatusSuccess
	fb.frame.ImageSize = 0
	p.mu.Unlock()

	// 投入後はいつ完了通知が来てもよいよう、状態を先に更新してから投入する
	if err := q.QueueFrame(h, fb.frame, done); err != nil {
		p.mu.Lock()
		fb.state = BufferFree
		p.idle.Broadcast()
		p.mu.Unlock()
		return err
	}
	return nil
}

// Complete は完了通知を受けたフレームを保存処理中にする
func (p *BufferPool) Complete(f *driver.Frame) (*FrameBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fb, ok := p.byFrame[f]
	if !ok {
		return nil, ErrUnknownFrame
	}
	if fb.state != BufferInFlight {
		return nil, fmt.Errorf("バッファ %d (%s): %w", fb.index, fb.state, ErrNotInFlight)
	}
	fb.state = BufferCompletedPendingSink
	return fb, nil
}

// Return は再投入しないバッファを手元に戻す
func (p *BufferPool) Return(fb *FrameBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fb.state == BufferCompletedPendingSink {
		fb.state = BufferFree
		p.idle.Broadcast()
	}
}

// Counts は状態ごとのバッファ数を返す
func (p *BufferPool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

func (p *BufferPool) countsLocked() Counts {
	var c Counts
	for _, fb := range p.buffers {
		switch fb.state {
		case BufferFree:
			c.Free++
		case BufferInFlight:
			c.InFlight++
		case BufferCompletedPendingSink:
			c.Pending++
		}
	}
	return c
}

// OldestInFlight は最も長くドライバーが保持しているバッファの投入時刻を返す
func (p *BufferPool) OldestInFlight() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest time.Time
	found := false
	for _, fb := range p.buffers {
		if fb.state == BufferInFlight && (!found || fb.submittedAt.Before(oldest)) {
			oldest = fb.submittedAt
			found = true
		}
	}
	return oldest, found
}

// WaitIdle はすべてのバッファが手元に戻るまで待つ
func (p *BufferPool) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.idle.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.countsLocked().Outstanding() > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("バッファの返却待ちを中断: %w", err)
		}
		p.idle.Wait()
	}
	return nil
}

// Release はバッファの記憶領域を手放す
// ドライバーに貸し出し中または保存処理中のバッファがある間は拒否する
func (p *BufferPool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return ErrPoolReleased
	}
	if c := p.countsLocked(); c.Outstanding() > 0 {
		return fmt.Errorf("貸し出し中 %d, 保存処理中 %d: %w", c.InFlight, c.Pending, ErrBuffersOutstanding)
	}
	for _, fb := range p.buffers {
		fb.frame.ImageBuffer = nil
	}
	p.byFrame = nil
	p.released = true
	return nil
}

// Released は解放済みかどうかを返す
func (p *BufferPool) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
