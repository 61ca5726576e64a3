package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcsnap/internal/driver"
)

func occupiedSet(slots ...int) func(int) bool {
	set := make(map[int]bool, len(slots))
	for _, s := range slots {
		set[s] = true
	}
	return func(slot int) bool { return set[slot] }
}

func TestNewSlotMap_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		slots  int
		pinned map[driver.HardwareID]int
	}{
		{name: "スロット数0", slots: 0},
		{name: "範囲外", slots: 2, pinned: map[driver.HardwareID]int{"A": 2}},
		{name: "負のスロット", slots: 2, pinned: map[driver.HardwareID]int{"A": -1}},
		{name: "固定先の重複", slots: 2, pinned: map[driver.HardwareID]int{"A": 1, "B": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSlotMap(tt.slots, tt.pinned)
			assert.Error(t, err)
		})
	}
}

func TestSlotMap_Resolve(t *testing.T) {
	m, err := NewSlotMap(3, map[driver.HardwareID]int{"P": 0})
	require.NoError(t, err)

	// 固定スロットは予約され、他のカメラには割り当てない
	slot, ok := m.Resolve("A", occupiedSet())
	require.True(t, ok)
	assert.Equal(t, 1, slot)

	slot, ok = m.Resolve("P", occupiedSet(1))
	require.True(t, ok)
	assert.Equal(t, 0, slot)

	// 使用中でも固定スロットを返す
	slot, ok = m.Resolve("P", occupiedSet(0))
	require.True(t, ok)
	assert.Equal(t, 0, slot)

	slot, ok = m.Resolve("B", occupiedSet(1))
	require.True(t, ok)
	assert.Equal(t, 2, slot)

	_, ok = m.Resolve("C", occupiedSet(1, 2))
	assert.False(t, ok)
}

func TestSlotMap_RememberAffinity(t *testing.T) {
	m, err := NewSlotMap(3, nil)
	require.NoError(t, err)

	m.Remember("A", 2)
	slot, ok := m.Resolve("A", occupiedSet())
	require.True(t, ok)
	assert.Equal(t, 2, slot)

	// 前回のスロットが使用中なら空きスロットを探す
	slot, ok = m.Resolve("A", occupiedSet(2))
	require.True(t, ok)
	assert.Equal(t, 0, slot)
}

func TestSlotMap_RememberIgnoresPinned(t *testing.T) {
	m, err := NewSlotMap(2, map[driver.HardwareID]int{"P": 1})
	require.NoError(t, err)

	m.Remember("P", 0)
	slot, ok := m.Resolve("P", occupiedSet())
	require.True(t, ok)
	assert.Equal(t, 1, slot)
}

func TestParsePinned(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[driver.HardwareID]int
		wantErr bool
	}{
		{name: "空文字列", input: "", want: map[driver.HardwareID]int{}},
		{name: "単一", input: "video0=1", want: map[driver.HardwareID]int{"video0": 1}},
		{name: "空白と空要素", input: " a = 0 ,, b=2 ", want: map[driver.HardwareID]int{"a": 0, "b": 2}},
		{name: "区切りなし", input: "video0", wantErr: true},
		{name: "ID なし", input: "=1", wantErr: true},
		{name: "数値でない", input: "a=x", wantErr: true},
		{name: "重複", input: "a=0,a=1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePinned(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPinned(t *testing.T) {
	assert.Equal(t, "", FormatPinned(nil))
	assert.Equal(t, "a=2,b=0", FormatPinned(map[driver.HardwareID]int{"b": 0, "a": 2}))
}
