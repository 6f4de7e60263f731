package sched

import (
	"testing"
	"time"

	"github.com/agutierrez/toolshare/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(k, capacity int) *Scheduler {
	return New(20*time.Millisecond, 50*time.Millisecond, k, capacity)
}

func TestRequestAssignsFreeToolImmediately(t *testing.T) {
	s := newTestScheduler(1, 4)
	h, ok := s.Allocate(1)
	require.True(t, ok)

	s.OnRequest(h, 100*time.Millisecond)

	ev, ok := s.WaitEvent(h)
	require.True(t, ok)
	require.Equal(t, wire.EventAssigned, ev.Kind)
	require.Equal(t, 0, ev.ToolID)

	s.CheckInvariants()
}

func TestAllocateFullCapacityRejects(t *testing.T) {
	s := newTestScheduler(1, 1)
	_, ok := s.Allocate(1)
	require.True(t, ok)

	_, ok = s.Allocate(2)
	require.False(t, ok)
}

func TestRequestWithNoFreeToolWaits(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	h2, _ := s.Allocate(2)

	s.OnRequest(h1, 200*time.Millisecond)
	ev, _ := s.WaitEvent(h1)
	require.Equal(t, wire.EventAssigned, ev.Kind)

	s.OnRequest(h2, 200*time.Millisecond)

	s.mu.Lock()
	waiting := s.customers[h2].state == StateWaiting
	s.mu.Unlock()
	require.True(t, waiting)

	s.CheckInvariants()
}

func TestRestReturnsResourceAndDispatchesQueue(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	h2, _ := s.Allocate(2)

	s.OnRequest(h1, time.Second)
	s.WaitEvent(h1)
	s.OnRequest(h2, time.Second)

	s.OnRest(h1)
	restEv, ok := s.WaitEvent(h1)
	require.True(t, ok)
	require.Equal(t, wire.EventCompleted, restEv.Kind)

	ev2, ok := s.WaitEvent(h2)
	require.True(t, ok)
	require.Equal(t, wire.EventAssigned, ev2.Kind)

	s.CheckInvariants()
}

func TestDisconnectWhileWaitingRemovesFromQueue(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	h2, _ := s.Allocate(2)

	s.OnRequest(h1, time.Second)
	s.WaitEvent(h1)
	s.OnRequest(h2, time.Second)

	s.mu.Lock()
	require.True(t, s.queue.Contains(h2))
	s.mu.Unlock()

	s.OnDisconnect(h2)

	s.mu.Lock()
	require.False(t, s.queue.Contains(h2))
	require.Equal(t, 0, s.waitingCount)
	s.mu.Unlock()

	s.CheckInvariants()
}

func TestDisconnectWhileUsingFreesToolForWaiter(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	h2, _ := s.Allocate(2)

	s.OnRequest(h1, time.Second)
	s.WaitEvent(h1)
	s.OnRequest(h2, time.Second)

	s.OnDisconnect(h1)

	ev, ok := s.WaitEvent(h2)
	require.True(t, ok)
	require.Equal(t, wire.EventAssigned, ev.Kind)

	s.CheckInvariants()
}

func TestPreemptionRespectsQAndShareOrdering(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	h2, _ := s.Allocate(2)

	s.OnRequest(h1, time.Second)
	s.WaitEvent(h1)

	// h2 requests immediately: holder has used ~0ms, below q, so no preemption.
	s.OnRequest(h2, time.Second)
	s.mu.Lock()
	h2State := s.customers[h2].state
	s.mu.Unlock()
	require.Equal(t, StateWaiting, h2State)

	// Let h1 cross q, then a fresh high-priority (share 0) requester should
	// preempt it, since h1's share is not less than its share (0) and h1 has met q.
	time.Sleep(30 * time.Millisecond)
	s.mu.Lock()
	s.tools[0].currentUsage = float64(time.Since(s.tools[0].sessionStart)) / float64(time.Millisecond)
	s.mu.Unlock()

	h3, _ := s.Allocate(3)
	s.OnRequest(h3, time.Second)

	removedEv, ok := s.WaitEvent(h1)
	require.True(t, ok)
	require.Equal(t, wire.EventRemoved, removedEv.Kind)

	assignedEv, ok := s.WaitEvent(h3)
	require.True(t, ok)
	require.Equal(t, wire.EventAssigned, assignedEv.Kind)

	s.CheckInvariants()
}

func TestUpgradeOnlyAffectsUsingCustomer(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)

	// no-op: not yet using
	s.OnUpgrade(h1, time.Second)
	s.mu.Lock()
	require.Equal(t, time.Duration(0), s.customers[h1].requestDuration)
	s.mu.Unlock()

	s.OnRequest(h1, 50*time.Millisecond)
	s.WaitEvent(h1)

	s.OnUpgrade(h1, time.Second)
	s.mu.Lock()
	require.Equal(t, time.Second, s.customers[h1].requestDuration)
	require.Greater(t, s.customers[h1].remainingDuration, 500*time.Millisecond)
	s.mu.Unlock()
}

func TestRequestWhileUsingIsNoop(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	s.OnRequest(h1, time.Second)
	s.WaitEvent(h1)

	s.OnRequest(h1, 50*time.Millisecond)

	s.mu.Lock()
	require.Equal(t, time.Second, s.customers[h1].requestDuration)
	s.mu.Unlock()
}

func TestToolTickCompletesSessionOnDurationElapsed(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)
	s.OnRequest(h1, 10*time.Millisecond)
	s.WaitEvent(h1)

	time.Sleep(20 * time.Millisecond)
	idle := s.ToolTick(0)
	require.False(t, idle)

	ev, ok := s.WaitEvent(h1)
	require.True(t, ok)
	require.Equal(t, wire.EventCompleted, ev.Kind)

	s.mu.Lock()
	require.Equal(t, StateResting, s.customers[h1].state)
	s.mu.Unlock()

	s.CheckInvariants()
}

func TestToolTickIdleReportsIdle(t *testing.T) {
	s := newTestScheduler(1, 4)
	require.True(t, s.ToolTick(0))
}

func TestNextCustomerIDIsMonotonic(t *testing.T) {
	s := newTestScheduler(1, 4)
	first := s.NextCustomerID()
	second := s.NextCustomerID()
	require.Equal(t, first+1, second)
}

func TestShutdownWakesIdleToolWaiters(t *testing.T) {
	s := newTestScheduler(1, 4)
	done := make(chan bool, 1)
	go func() { done <- s.WaitForIdleTool(0) }()

	time.Sleep(10 * time.Millisecond)
	s.Shutdown()

	select {
	case exit := <-done:
		require.True(t, exit)
	case <-time.After(time.Second):
		t.Fatal("WaitForIdleTool did not wake on Shutdown")
	}
}

func TestWaitEventUnblocksOnDisconnect(t *testing.T) {
	s := newTestScheduler(1, 4)
	h1, _ := s.Allocate(1)

	done := make(chan bool, 1)
	go func() {
		_, ok := s.WaitEvent(h1)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	s.OnDisconnect(h1)

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitEvent did not unblock on disconnect")
	}
}
