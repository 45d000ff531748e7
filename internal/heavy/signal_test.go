package heavy

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatchNestsActivities(t *testing.T) {
	l := NewLatch()
	var transitions []bool
	unsubscribe := l.Subscribe(func(active bool) { transitions = append(transitions, active) })
	defer unsubscribe()

	endA := l.Start("fetch")
	endB := l.Start("rebase")
	assert.True(t, l.Active())
	assert.Equal(t, []string{"fetch", "rebase"}, l.Running())
	endA()
	endA()
	assert.True(t, l.Active())
	endB()
	assert.False(t, l.Active())
	assert.Empty(t, l.Running())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestLatchQueueOutOfHeavy(t *testing.T) {
	l := NewLatch()
	var ran atomic.Int32
	l.QueueOutOfHeavy(func() { ran.Add(1) })
	assert.EqualValues(t, 1, ran.Load(), "idle latch runs immediately")

	end := l.Start("update")
	l.QueueOutOfHeavy(func() { ran.Add(1) })
	l.QueueOutOfHeavy(func() { ran.Add(1) })
	assert.EqualValues(t, 1, ran.Load())
	end()
	assert.EqualValues(t, 3, ran.Load())
}

func TestToggleNotifiesOnlyOnChange(t *testing.T) {
	tg := NewToggle(false)
	var calls []bool
	unsubscribe := tg.Subscribe(func(on bool) { calls = append(calls, on) })
	tg.Set(false)
	tg.Set(true)
	tg.Set(true)
	tg.Set(false)
	unsubscribe()
	tg.Set(true)
	assert.Equal(t, []bool{true, false}, calls)
	assert.True(t, tg.Active())
}
