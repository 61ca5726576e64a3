package camera

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcsnap/internal/driver"
)

func newTestRegistry(t *testing.T, m *driver.MockDriver, slots int, pinned map[driver.HardwareID]int) *Registry {
	t.Helper()
	sm, err := NewSlotMap(slots, pinned)
	require.NoError(t, err)
	r := NewRegistry(m, &recordingSink{}, sm, testConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestRegistry_StartActivatesPresentCameras(t *testing.T) {
	m := driver.NewMockDriver()
	m.Plug("A", driver.DefaultDeviceSpec())
	m.Plug("B", driver.DefaultDeviceSpec())
	r := newTestRegistry(t, m, 2, nil)

	require.NoError(t, r.Start(context.Background()))

	assert.Equal(t, 2, r.Streaming())
	assert.Equal(t, 2, r.Connected())
	infos := r.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "A", infos[0].HardwareID)
	assert.Equal(t, "B", infos[1].HardwareID)
	assert.NotEmpty(t, infos[0].RunID)
}

func TestRegistry_StartLinkFailure(t *testing.T) {
	m := driver.NewMockDriver()
	m.InjectFault("LinkEvents", driver.StatusInternalFault)
	r := newTestRegistry(t, m, 1, nil)

	assert.Error(t, r.Start(context.Background()))
}

func TestRegistry_DuplicateArrivalIgnored(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 2, nil)
	require.NoError(t, r.Start(context.Background()))

	m.Plug("A", driver.DefaultDeviceSpec())
	r.HandleArrived("A")

	assert.Equal(t, 1, m.Calls("Open"))
	assert.Equal(t, 1, r.Streaming())
	s, _ := r.Session(1)
	assert.Equal(t, StateIdle, s.State())
}

func TestRegistry_NoFreeSlotIgnoresArrival(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 1, nil)
	require.NoError(t, r.Start(context.Background()))

	m.Plug("A", driver.DefaultDeviceSpec())
	m.Plug("B", driver.DefaultDeviceSpec())

	s, _ := r.Session(0)
	assert.Equal(t, driver.HardwareID("A"), s.HardwareID())
	assert.Equal(t, 1, m.Calls("Open"))

	// スロットが空いても保留されていたカメラは自動では起動しない
	m.Unplug("A")
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, r.Streaming())
	assert.Equal(t, 1, m.Calls("Open"))
}

func TestRegistry_UnplugReplugKeepsSlot(t *testing.T) {
	m := driver.NewMockDriver()
	log := &transitionLog{}
	sm, err := NewSlotMap(3, nil)
	require.NoError(t, err)
	r := NewRegistry(m, &recordingSink{}, sm, testConfig(), zerolog.Nop(), WithTransitionObserver(log.observe))
	defer func() { _ = r.Stop(context.Background()) }()
	require.NoError(t, r.Start(context.Background()))

	m.Plug("A", driver.DefaultDeviceSpec())
	m.Plug("B", driver.DefaultDeviceSpec())
	s1, _ := r.Session(1)
	require.Equal(t, driver.HardwareID("B"), s1.HardwareID())
	firstRun := s1.Info().RunID

	m.Unplug("B")
	assert.Equal(t, StateIdle, s1.State())
	assert.Equal(t, 1, r.Streaming())

	m.Plug("B", driver.DefaultDeviceSpec())
	assert.Equal(t, StateStreaming, s1.State())
	assert.Equal(t, driver.HardwareID("B"), s1.HardwareID())
	assert.NotEqual(t, firstRun, s1.Info().RunID)

	var slot1 []State
	log.mu.Lock()
	for _, tr := range log.transitions {
		if tr.Slot == 1 {
			slot1 = append(slot1, tr.To)
		}
	}
	log.mu.Unlock()
	assert.Equal(t, []State{
		StateOpening, StateConfiguring, StateStreaming,
		StateDraining, StateStopped, StateIdle,
		StateOpening, StateConfiguring, StateStreaming,
	}, slot1)
}

func TestRegistry_PinnedSlot(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 2, map[driver.HardwareID]int{"P": 1})
	require.NoError(t, r.Start(context.Background()))

	m.Plug("A", driver.DefaultDeviceSpec())
	m.Plug("B", driver.DefaultDeviceSpec())
	m.Plug("P", driver.DefaultDeviceSpec())

	s0, _ := r.Session(0)
	s1, _ := r.Session(1)
	assert.Equal(t, driver.HardwareID("A"), s0.HardwareID())
	assert.Equal(t, driver.HardwareID("P"), s1.HardwareID())
	assert.Equal(t, 2, r.Streaming())
}

func TestRegistry_LeftTwiceIsIdempotent(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 1, nil)
	require.NoError(t, r.Start(context.Background()))
	m.Plug("A", driver.DefaultDeviceSpec())

	m.Unplug("A")
	r.HandleLeft("A")
	r.HandleLeft("unknown")

	assert.Equal(t, 1, m.Calls("Close"))
	assert.Equal(t, 1, m.Calls("ClearQueue"))
	assert.Equal(t, 0, r.Connected())
}

func TestRegistry_ActivationFailureFreesSlot(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 1, nil)
	require.NoError(t, r.Start(context.Background()))

	m.InjectFault("Open", driver.StatusAccessDenied)
	m.Plug("A", driver.DefaultDeviceSpec())
	assert.Equal(t, 0, r.Streaming())

	m.ClearFault("Open")
	m.Plug("B", driver.DefaultDeviceSpec())
	s, _ := r.Session(0)
	assert.Equal(t, driver.HardwareID("B"), s.HardwareID())
	assert.Equal(t, StateStreaming, s.State())
}

func TestRegistry_WaitForCamera(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 1, nil)
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitForCamera(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- r.WaitForCamera(context.Background())
	}()
	m.Plug("A", driver.DefaultDeviceSpec())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("カメラの起動待ちが終了しません")
	}
}

func TestRegistry_StopUnlinksAndIdles(t *testing.T) {
	m := driver.NewMockDriver()
	m.Plug("A", driver.DefaultDeviceSpec())
	sm, err := NewSlotMap(2, nil)
	require.NoError(t, err)
	r := NewRegistry(m, &recordingSink{}, sm, testConfig(), zerolog.Nop())
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1, m.Calls("UnlinkEvents"))
	assert.Equal(t, 0, r.Streaming())

	// 停止後の通知は無視される
	m.Plug("B", driver.DefaultDeviceSpec())
	r.HandleArrived("B")
	assert.Equal(t, 1, m.Calls("Open"))
}

func TestRegistry_FatalCompletionDetaches(t *testing.T) {
	m := driver.NewMockDriver()
	r := newTestRegistry(t, m, 1, nil)
	require.NoError(t, r.Start(context.Background()))
	m.Plug("A", driver.DefaultDeviceSpec())

	s, _ := r.Session(0)
	h := handleOf(t, m, "A")
	require.True(t, m.Complete(h, driver.StatusUnplugged))

	assert.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, open := m.HandleOf("A")
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_RequeueRefusalDetaches(t *testing.T) {
	m := driver.NewMockDriver()
	log := &transitionLog{}
	sm, err := NewSlotMap(1, nil)
	require.NoError(t, err)
	r := NewRegistry(m, &recordingSink{}, sm, testConfig(), zerolog.Nop(), WithTransitionObserver(log.observe))
	defer func() { _ = r.Stop(context.Background()) }()
	require.NoError(t, r.Start(context.Background()))
	m.Plug("A", driver.DefaultDeviceSpec())

	s, _ := r.Session(0)
	h := handleOf(t, m, "A")
	m.InjectFault("QueueFrame", driver.StatusQueueFull)
	require.True(t, m.Complete(h, driver.StatusSuccess))

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{
		StateOpening, StateConfiguring, StateStreaming,
		StateDraining, StateStopped, StateIdle,
	}, log.states())
	_, open := m.HandleOf("A")
	assert.False(t, open)

	// 空いたスロットは次のカメラが使える
	m.ClearFault("QueueFrame")
	m.Plug("B", driver.DefaultDeviceSpec())
	assert.Equal(t, StateStreaming, s.State())
	assert.Equal(t, driver.HardwareID("B"), s.HardwareID())
}

func TestRegistry_DetachForgetsAlertHistory(t *testing.T) {
	m := driver.NewMockDriver()
	rec := &recordingSink{}
	sm, err := NewSlotMap(1, nil)
	require.NoError(t, err)
	r := NewRegistry(m, rec, sm, testConfig(), zerolog.Nop())
	defer func() { _ = r.Stop(context.Background()) }()
	require.NoError(t, r.Start(context.Background()))

	m.Plug("A", driver.DefaultDeviceSpec())
	assert.Empty(t, rec.forgottenIDs())

	m.Unplug("A")
	assert.Equal(t, []driver.HardwareID{"A"}, rec.forgottenIDs())
}
