package alert

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"otcsnap/internal/driver"
)

func TestLimiter_Allow(t *testing.T) {
	tests := []struct {
		name     string
		cooldown uint64
		calls    []uint64
		want     []bool
	}{
		{
			name:     "初回は許可",
			cooldown: 20,
			calls:    []uint64{5},
			want:     []bool{true},
		},
		{
			name:     "クールダウン中は抑制",
			cooldown: 20,
			calls:    []uint64{0, 1, 10, 19},
			want:     []bool{true, false, false, false},
		},
		{
			name:     "クールダウン経過後は再び許可",
			cooldown: 20,
			calls:    []uint64{0, 19, 20, 39, 40},
			want:     []bool{true, false, true, false, true},
		},
		{
			name:     "タイムスタンプの巻き戻りは新しい系列として許可",
			cooldown: 20,
			calls:    []uint64{100, 3, 4},
			want:     []bool{true, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(tt.cooldown)
			for i, ts := range tt.calls {
				assert.Equal(t, tt.want[i], l.Allow("cam", ts), "call %d (ts=%d)", i, ts)
			}
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(20)

	assert.True(t, l.Allow("a", 0))
	assert.True(t, l.Allow("b", 1))
	assert.False(t, l.Allow("a", 2))

	l.Forget("a")
	assert.True(t, l.Allow("a", 3))
}

func TestBellAlerter(t *testing.T) {
	var buf bytes.Buffer
	a := NewBellAlerter(&buf)

	a.Alert("cam", driver.StatusBandwidth, 1)
	a.Alert("cam", driver.StatusBandwidth, 2)

	assert.Equal(t, "\a\a", buf.String())
}

func TestMulti(t *testing.T) {
	var bell, logBuf bytes.Buffer
	m := Multi{NewBellAlerter(&bell), NewLogAlerter(zerolog.New(&logBuf))}

	m.Alert("cam-1", driver.StatusCameraFault, 42)

	assert.Equal(t, "\a", bell.String())
	assert.Contains(t, logBuf.String(), `"hw_id":"cam-1"`)
	assert.Contains(t, logBuf.String(), `"timestamp":42`)
}
