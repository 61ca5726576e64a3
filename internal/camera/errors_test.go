package camera

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"otcsnap/internal/driver"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindUnknown},
		{name: "無関係なエラー", err: errors.New("x"), want: KindUnknown},
		{name: "抜去", err: driver.StatusUnplugged.Err("Open"), want: KindHardwareAbsence},
		{name: "範囲外", err: driver.StatusOutOfRange.Err("SetAttr"), want: KindConfigurationError},
		{name: "資源不足", err: driver.StatusResources.Err("CaptureBegin"), want: KindResourceExhaustion},
		{name: "カメラ障害", err: driver.StatusCameraFault.Err("Open"), want: KindDriverFault},
		{
			name: "包まれたセッションエラー",
			err:  fmt.Errorf("起動: %w", &Error{Kind: KindTransientIO, Op: "Write"}),
			want: KindTransientIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapDriverError(t *testing.T) {
	cause := driver.StatusUnplugged.Err("QueueFrame")
	err := wrapDriverError("SubmitAll", 2, "video0", cause)

	var ce *Error
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, KindHardwareAbsence, ce.Kind)
	assert.Equal(t, 2, ce.Slot)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "video0")
	assert.Contains(t, err.Error(), "HardwareAbsence")

	plain := wrapDriverError("Open", 0, "", errors.New("x"))
	assert.Equal(t, KindDriverFault, KindOf(plain))
}
