package repo

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDebouncerCollapsesBurstIntoOneCall(t *testing.T) {
	d := NewDebouncer[string](20 * time.Millisecond)

	var calls int32
	for i := 0; i < 10; i += 1 {
		d.Schedule("doc-a", func() { atomic.AddInt32(&calls, 1) })
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&calls), int32(1))
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer[string](20 * time.Millisecond)

	var calls int32
	d.Schedule("doc-a", func() { atomic.AddInt32(&calls, 1) })
	d.Cancel("doc-a")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&calls), int32(0))
}

func TestDebouncerFlushRunsImmediately(t *testing.T) {
	d := NewDebouncer[string](time.Hour)

	var calls int32
	d.Schedule("doc-a", func() { atomic.AddInt32(&calls, 1) })
	d.Flush("doc-a")

	assert.Equal(t, atomic.LoadInt32(&calls), int32(1))

	// a flush with nothing pending is a no-op, not a panic
	d.Flush("doc-a")
	assert.Equal(t, atomic.LoadInt32(&calls), int32(1))
}

func TestDebouncerFlushAllRunsEveryKey(t *testing.T) {
	d := NewDebouncer[string](time.Hour)

	var calls int32
	d.Schedule("doc-a", func() { atomic.AddInt32(&calls, 1) })
	d.Schedule("doc-b", func() { atomic.AddInt32(&calls, 1) })
	d.Schedule("doc-c", func() { atomic.AddInt32(&calls, 1) })

	d.FlushAll()
	assert.Equal(t, atomic.LoadInt32(&calls), int32(3))
}

func TestDebouncerRescheduleReplacesPendingCall(t *testing.T) {
	d := NewDebouncer[string](30 * time.Millisecond)

	var last int32
	d.Schedule("doc-a", func() { atomic.StoreInt32(&last, 1) })
	d.Schedule("doc-a", func() { atomic.StoreInt32(&last, 2) })

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&last), int32(2))
}
