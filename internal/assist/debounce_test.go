package assist

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_OnlyLastTriggerFires(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var fired atomic.Int32
	var last atomic.Value

	for _, v := range []string{"r", "re", "res", "restart nginx"} {
		v := v
		d.Trigger("step-a", func() {
			fired.Add(1)
			last.Store(v)
		})
	}

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "restart nginx", last.Load())

	// No second firing after the quiet period.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	var a, b atomic.Int32
	d.Trigger("step-a", func() { a.Add(1) })
	d.Trigger("step-b", func() { b.Add(1) })

	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_CancelDropsPending(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var fired atomic.Int32
	d.Trigger("step-a", func() { fired.Add(1) })
	d.Cancel("step-a")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestDebouncer_StopCancelsAll(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var fired atomic.Int32
	d.Trigger("a", func() { fired.Add(1) })
	d.Trigger("b", func() { fired.Add(1) })
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
