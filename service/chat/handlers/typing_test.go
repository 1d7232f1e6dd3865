package handlers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 连续 typing_start 必须把同一只表拨回去，而不是各自起一只：
// 否则第一只到点就会在用户还在打字时广播 stop。
func TestTypingExpiryResetKeepsTimerAlive(t *testing.T) {
	exp := newTypingExpirySet()
	var fired atomic.Int32
	fire := func() { fired.Add(1) }

	exp.arm("bob|c1", 100*time.Millisecond, fire)
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		exp.arm("bob|c1", 100*time.Millisecond, fire)
	}

	// 首只表早该到点了（120ms > 100ms），续命后不应触发
	assert.Equal(t, int32(0), fired.Load())

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		time.Second, 10*time.Millisecond, "fires once after the last start expires")
}

func TestTypingStopCancelsExpiry(t *testing.T) {
	exp := newTypingExpirySet()
	var fired atomic.Int32

	exp.arm("bob|c1", 40*time.Millisecond, func() { fired.Add(1) })
	exp.cancel("bob|c1")

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestTypingExpiryKeysAreIndependent(t *testing.T) {
	exp := newTypingExpirySet()
	var a, b atomic.Int32

	exp.arm("bob|c1", 30*time.Millisecond, func() { a.Add(1) })
	exp.arm("bob|c2", time.Hour, func() { b.Add(1) })
	exp.cancel("bob|c2")

	require.Eventually(t, func() bool { return a.Load() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), b.Load())
}
