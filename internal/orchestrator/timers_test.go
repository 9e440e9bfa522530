package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerFires(t *testing.T) {
	r := NewTimerRegistry()
	fired := make(chan struct{})
	r.Arm("req", time.Now().Add(10*time.Millisecond), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, r.Len())
}

func TestCancelPreventsFire(t *testing.T) {
	r := NewTimerRegistry()
	var n atomic.Int32
	r.Arm("req", time.Now().Add(20*time.Millisecond), func() { n.Add(1) })
	require.True(t, r.Cancel("req"))
	assert.False(t, r.Cancel("req"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load())
}

func TestRearmReplacesPreviousTimer(t *testing.T) {
	r := NewTimerRegistry()
	var first, second atomic.Int32
	r.Arm("req", time.Now().Add(20*time.Millisecond), func() { first.Add(1) })
	later := time.Now().Add(40 * time.Millisecond)
	r.Arm("req", later, func() { second.Add(1) })

	d, ok := r.Deadline("req")
	require.True(t, ok)
	assert.True(t, d.Equal(later))
	assert.Equal(t, 1, r.Len())

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestStopDisarmsEverything(t *testing.T) {
	r := NewTimerRegistry()
	var n atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		r.Arm(id, time.Now().Add(20*time.Millisecond), func() { n.Add(1) })
	}
	r.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load())
	assert.Equal(t, 0, r.Len())
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("req")
			defer unlock()
			if inside.Add(1) != 1 {
				t.Error("two holders of the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
