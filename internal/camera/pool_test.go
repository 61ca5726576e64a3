package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcsnap/internal/driver"
)

// queueRecorder はQueueFrameの呼び出しを記録するQueuer
type queueRecorder struct {
	frames []*driver.Frame
	err    error
}

func (q *queueRecorder) QueueFrame(_ driver.Handle, f *driver.Frame, _ driver.FrameDoneFunc) error {
	if q.err != nil {
		return q.err
	}
	q.frames = append(q.frames, f)
	return nil
}

func noopDone(*driver.Frame) {}

func TestAllocatePool(t *testing.T) {
	p, err := AllocatePool(10, 1024)
	require.NoError(t, err)

	assert.Equal(t, 10, p.Size())
	assert.Equal(t, uint32(1024), p.BytesPerFrame())
	assert.Equal(t, Counts{Free: 10}, p.Counts())
	for _, fb := range p.buffers {
		assert.Len(t, fb.Frame().ImageBuffer, 1024)
		assert.Equal(t, 1024, cap(fb.Frame().ImageBuffer))
	}
}

func TestAllocatePool_InvalidSize(t *testing.T) {
	tests := []struct {
		name  string
		count int
		bytes uint32
		opts  []PoolOption
	}{
		{name: "バッファ数0", count: 0, bytes: 16},
		{name: "フレームサイズ0", count: 4, bytes: 0},
		{name: "上限超過", count: 4, bytes: 2048, opts: []PoolOption{WithMaxFrameBytes(1024)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AllocatePool(tt.count, tt.bytes, tt.opts...)
			require.Error(t, err)
			assert.Equal(t, KindConfigurationError, KindOf(err))
		})
	}
}

func TestAllocatePool_PartialFailureFreesEverything(t *testing.T) {
	var allocated [][]byte
	alloc := func(size int) ([]byte, error) {
		if len(allocated) == 3 {
			return nil, errors.New("メモリ不足")
		}
		b := make([]byte, size)
		allocated = append(allocated, b)
		return b, nil
	}

	p, err := AllocatePool(10, 64, WithAllocator(alloc))
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Equal(t, KindResourceExhaustion, KindOf(err))
	assert.Len(t, allocated, 3)
}

func TestBufferPool_Circulation(t *testing.T) {
	p, err := AllocatePool(3, 16)
	require.NoError(t, err)
	q := &queueRecorder{}

	require.NoError(t, p.SubmitAll(q, 1, noopDone))
	assert.Equal(t, Counts{InFlight: 3}, p.Counts())
	assert.Len(t, q.frames, 3)

	fb, err := p.Complete(q.frames[0])
	require.NoError(t, err)
	assert.Equal(t, Counts{InFlight: 2, Pending: 1}, p.Counts())

	// 保存処理中のバッファは再投入できる
	require.NoError(t, p.Submit(fb, q, 1, noopDone))
	assert.Equal(t, Counts{InFlight: 3}, p.Counts())

	// 貸し出し中のバッファの二重投入は拒否される
	assert.ErrorIs(t, p.Submit(fb, q, 1, noopDone), ErrInFlight)

	fb, err = p.Complete(q.frames[1])
	require.NoError(t, err)
	p.Return(fb)
	assert.Equal(t, Counts{Free: 1, InFlight: 2}, p.Counts())
	assert.Equal(t, 3, p.Counts().Total())

	_, err = p.Complete(q.frames[1])
	assert.ErrorIs(t, err, ErrNotInFlight)

	_, err = p.Complete(&driver.Frame{})
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestBufferPool_SubmitFailureReturnsBuffer(t *testing.T) {
	p, err := AllocatePool(2, 16)
	require.NoError(t, err)
	q := &queueRecorder{err: driver.StatusUnplugged.Err("QueueFrame")}

	err = p.SubmitAll(q, 1, noopDone)
	require.Error(t, err)
	assert.Equal(t, KindHardwareAbsence, KindOf(err))
	assert.Equal(t, Counts{Free: 2}, p.Counts())
}

func TestBufferPool_Release(t *testing.T) {
	p, err := AllocatePool(2, 16)
	require.NoError(t, err)
	q := &queueRecorder{}
	require.NoError(t, p.SubmitAll(q, 1, noopDone))

	assert.ErrorIs(t, p.Release(), ErrBuffersOutstanding)

	for _, f := range q.frames {
		fb, err := p.Complete(f)
		require.NoError(t, err)
		assert.ErrorIs(t, p.Release(), ErrBuffersOutstanding)
		p.Return(fb)
	}

	require.NoError(t, p.Release())
	assert.True(t, p.Released())
	assert.ErrorIs(t, p.Release(), ErrPoolReleased)
	assert.ErrorIs(t, p.Submit(p.buffers[0], q, 1, noopDone), ErrPoolReleased)
	assert.Nil(t, p.buffers[0].Frame().ImageBuffer)
}

func TestBufferPool_WaitIdle(t *testing.T) {
	p, err := AllocatePool(2, 16)
	require.NoError(t, err)
	q := &queueRecorder{}
	require.NoError(t, p.SubmitAll(q, 1, noopDone))

	done := make(chan error, 1)
	go func() {
		done <- p.WaitIdle(context.Background())
	}()

	for _, f := range q.frames {
		select {
		case <-done:
			t.Fatal("バッファが戻る前に待機が終了しました")
		default:
		}
		fb, err := p.Complete(f)
		require.NoError(t, err)
		p.Return(fb)
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("待機が終了しません")
	}
}

func TestBufferPool_WaitIdleTimeout(t *testing.T) {
	p, err := AllocatePool(1, 16)
	require.NoError(t, err)
	require.NoError(t, p.SubmitAll(&queueRecorder{}, 1, noopDone))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = p.WaitIdle(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferPool_OldestInFlight(t *testing.T) {
	p, err := AllocatePool(2, 16)
	require.NoError(t, err)

	_, ok := p.OldestInFlight()
	assert.False(t, ok)

	before := time.Now()
	require.NoError(t, p.SubmitAll(&queueRecorder{}, 1, noopDone))
	oldest, ok := p.OldestInFlight()
	assert.True(t, ok)
	assert.False(t, oldest.Before(before))
}
