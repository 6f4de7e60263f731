// Package sched implements the share-based fair scheduler: the customer and
// tool tables, the share-ordered waiting queue, the global counters, and the
// three mutating operations (OnRequest, OnRest, OnDisconnect) plus the
// supplemented OnUpgrade, all serialized under one scheduler mutex exactly as
// required by the concurrency model. It is the one package every other
// component (internal/toolrunner, internal/agent, internal/acceptor) mutates
// shared state through; nothing outside this package ever touches the
// customer/tool tables directly.
package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/agutierrez/toolshare/internal/pqueue"
	"github.com/agutierrez/toolshare/internal/wire"
	"github.com/rs/zerolog"
)

const noTool = -1

// Observer receives a notification for every event the scheduler emits.
// internal/obsmetrics implements this to drive Prometheus counters without
// this package needing to import Prometheus itself.
type Observer interface {
	OnEvent(kind wire.EventKind)
}

type noopObserver struct{}

func (noopObserver) OnEvent(wire.EventKind) {}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger attaches a structured logger used for the operational event log
// and lifecycle messages. Defaults to a disabled logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithObserver attaches a metrics observer. Defaults to a no-op.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler owns the customer arena, the tool table, the waiting queue, the
// global counters, and the synchronization primitives guarding all of them.
type Scheduler struct {
	mu              sync.Mutex
	newCustomerCond *sync.Cond

	customers []*customer
	freeSlots []int

	tools []*tool
	queue *pqueue.Queue

	q, Q time.Duration

	totalCustomers   int
	restingCustomers int
	waitingCount     int
	totalShare       float64

	nextCustomerID int64
	shouldExit     bool

	waitStat    welford
	serviceStat welford

	logger   zerolog.Logger
	observer Observer
}

// New constructs a Scheduler for k tools with preemption thresholds q and Q,
// and a customer arena capacity of capacity slots.
func New(q, Q time.Duration, k, capacity int, opts ...Option) *Scheduler {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Scheduler{
		customers: make([]*customer, capacity),
		freeSlots: make([]int, 0, capacity),
		tools:     make([]*tool, k),
		queue:     pqueue.New(capacity),
		q:         q,
		Q:         Q,
		observer:  noopObserver{},
	}
	s.newCustomerCond = sync.NewCond(&s.mu)

	for i := capacity - 1; i >= 0; i-- {
		s.customers[i] = &customer{currentTool: noTool}
		s.customers[i].eventCond = sync.NewCond(&s.mu)
		s.freeSlots = append(s.freeSlots, i)
	}
	for i := 0; i < k; i++ {
		s.tools[i] = &tool{id: i, currentUser: noTool, wake: make(chan struct{}, 1)}
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NumTools returns k.
func (s *Scheduler) NumTools() int { return len(s.tools) }

// NextCustomerID returns the next reported customer identifier: a
// monotonically increasing integer, standing in for the original's
// connecting-process PID as "an equivalent unique integer" (§3).
func (s *Scheduler) NextCustomerID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCustomerID++
	return s.nextCustomerID
}

// WaitStats and ServiceStats back the obsmetrics histograms.
func (s *Scheduler) WaitStats() Stats    { return s.waitStat.snapshot() }
func (s *Scheduler) ServiceStats() Stats { return s.serviceStat.snapshot() }

// Shutdown flips the should-exit flag and wakes every tool runner waiting on
// the new-customer condition so they can observe it and exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shouldExit = true
	s.newCustomerCond.Broadcast()
	s.mu.Unlock()
}

// ShouldExit reports whether Shutdown has been called.
func (s *Scheduler) ShouldExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldExit
}

// ToolWake exposes tool i's wake channel so internal/toolrunner can cut its
// idle sleep short when the scheduler wants it to re-evaluate immediately
// (the "wake that tool's runner" step of OnRequest's placement policy).
func (s *Scheduler) ToolWake(i int) <-chan struct{} { return s.tools[i].wake }

func (s *Scheduler) wakeTool(i int) {
	select {
	case s.tools[i].wake <- struct{}{}:
	default:
	}
}

// Allocate creates a new customer (state Resting) for an accepted connection
// and returns its arena handle. ok is false when the customer table is full
// (§7 capacity error: reject the connection with no message).
func (s *Scheduler) Allocate(customerID int64) (handle int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.freeSlots) == 0 {
		return 0, false
	}
	h := s.freeSlots[len(s.freeSlots)-1]
	s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]

	c := s.customers[h]
	var initialShare float64
	if s.totalCustomers > 0 {
		initialShare = s.totalShare / float64(s.totalCustomers)
	}

	c.id = customerID
	c.allocated = true
	c.state = StateResting
	c.share = initialShare
	c.requestDuration = 0
	c.remainingDuration = 0
	c.currentTool = noTool
	c.sessionStart = time.Time{}
	c.waitStart = time.Time{}
	c.eventPending = false
	c.pendingEvent = Event{}

	s.totalCustomers++
	s.restingCustomers++
	s.totalShare += initialShare

	return h, true
}

// WaitEvent blocks until an event is pending for handle's customer, or the
// customer has been deallocated, in which case ok is false and the caller
// (the agent's event-forwarder half) should exit.
func (s *Scheduler) WaitEvent(handle int) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.customers[handle]
	for !c.eventPending && c.allocated {
		c.eventCond.Wait()
	}
	if !c.allocated {
		return Event{}, false
	}
	ev := c.pendingEvent
	c.eventPending = false
	return ev, true
}

// OnRequest is invoked when a Resting or Waiting customer asks for duration
// of service. See SPEC_FULL.md §4.2 for the placement ladder.
func (s *Scheduler) OnRequest(handle int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.customers[handle]
	switch c.state {
	case StateUsing:
		// Already bound to a tool; REQUEST while Using is a no-op. Use
		// UPGRADE to change the duration of a session already in flight.
		return
	case StateResting:
		s.restingCustomers--
	case StateWaiting:
		s.dequeue(handle)
	}

	c.requestDuration = duration
	c.remainingDuration = duration

	if t := s.findFreeTool(); t != noTool {
		s.bindCustomerToTool(handle, t)
	} else if cand := s.findPreemptionCandidate(c.share); cand != noTool {
		oldUser := s.tools[cand].currentUser
		s.unbindFromTool(oldUser, wire.EventRemoved)
		s.moveToWaiting(oldUser)
		s.bindCustomerToTool(handle, cand)
	} else {
		s.moveToWaiting(handle)
		s.maybeWakeHolderAboveNewMin()
	}

	s.newCustomerCond.Broadcast()
}

// OnUpgrade replaces a Using customer's requested/remaining duration without
// disturbing its tool binding or session start. Supplemented from
// original_source's test_client.c help text; ignored for non-Using
// customers (issue a fresh REQUEST instead).
func (s *Scheduler) OnUpgrade(handle int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.customers[handle]
	if c.state != StateUsing {
		return
	}
	c.requestDuration = duration
	elapsed := time.Since(c.sessionStart)
	remaining := duration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	c.remainingDuration = remaining
}

// OnRest stops a customer from using or waiting and returns it to Resting.
func (s *Scheduler) OnRest(handle int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.customers[handle]
	switch c.state {
	case StateUsing:
		toolID := c.currentTool
		s.unbindFromTool(handle, wire.EventCompleted)
		c.state = StateResting
		s.restingCustomers++
		s.assignNextFromQueue(toolID)
	case StateWaiting:
		s.dequeue(handle)
		c.state = StateResting
		s.restingCustomers++
	case StateResting:
		// no-op: do not double-count the resting counter.
	}
}

// OnDisconnect performs on_rest-equivalent cleanup for the scheduler view
// (including re-dispatch of a freed tool) and then frees the customer slot,
// waking the event-forwarder so it can exit.
func (s *Scheduler) OnDisconnect(handle int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.customers[handle]
	if !c.allocated {
		return
	}

	switch c.state {
	case StateUsing:
		toolID := c.currentTool
		s.unbindFromTool(handle, wire.EventCompleted)
		s.assignNextFromQueue(toolID)
	case StateWaiting:
		s.dequeue(handle)
	case StateResting:
		s.restingCustomers--
	}

	s.totalCustomers--
	s.totalShare -= c.share
	c.allocated = false
	c.state = StateDeleted
	c.eventCond.Signal()

	s.freeSlots = append(s.freeSlots, handle)
	s.newCustomerCond.Broadcast()
}

// dequeue removes handle from the waiting queue and decrements waitingCount.
// No-op if handle is not currently queued.
func (s *Scheduler) dequeue(handle int) {
	if s.queue.Remove(handle) {
		s.waitingCount--
	}
}

// moveToWaiting transitions handle into StateWaiting and enqueues it keyed
// by its current share.
func (s *Scheduler) moveToWaiting(handle int) {
	c := s.customers[handle]
	c.state = StateWaiting
	c.waitStart = time.Now()
	s.queue.Insert(handle, c.share)
	s.waitingCount++
}

// bindCustomerToTool performs the Using-state transition and emits
// TOOL_ASSIGNED. Callers are responsible for any queue bookkeeping beforehand.
func (s *Scheduler) bindCustomerToTool(handle, toolID int) {
	c := s.customers[handle]
	t := s.tools[toolID]

	c.state = StateUsing
	c.currentTool = toolID
	c.sessionStart = time.Now()

	t.currentUser = handle
	t.currentUsage = 0
	t.sessionStart = c.sessionStart

	s.emit(c, wire.EventAssigned, toolID)
}

// unbindFromTool accounts share/usage deltas on unbind and emits the given
// event (TOOL_REMOVED for preemption, TOOL_COMPLETED for completion/rest).
func (s *Scheduler) unbindFromTool(handle int, kind wire.EventKind) {
	c := s.customers[handle]
	toolID := c.currentTool
	if toolID == noTool {
		return
	}
	t := s.tools[toolID]

	deltaMS := float64(time.Since(c.sessionStart)) / float64(time.Millisecond)
	c.share += deltaMS
	s.totalShare += deltaMS
	t.totalUsage += deltaMS
	s.serviceStat.add(deltaMS)

	t.currentUser = noTool
	t.currentUsage = 0
	c.currentTool = noTool

	s.emit(c, kind, toolID)
}

// assignNextFromQueue pops the share-minimum waiter, if any, and binds it to
// toolID.
func (s *Scheduler) assignNextFromQueue(toolID int) {
	handle, ok := s.queue.PopMin()
	if !ok {
		return
	}
	s.waitingCount--
	s.waitStat.add(float64(time.Since(s.customers[handle].waitStart)) / float64(time.Millisecond))
	s.bindCustomerToTool(handle, toolID)
}

// maybeWakeHolderAboveNewMin implements the extra check at the end of
// OnRequest's step 3: if some bound holder has met q and has a strictly
// larger share than the queue's new minimum, wake its runner so it can
// re-evaluate before its next scheduled tick.
func (s *Scheduler) maybeWakeHolderAboveNewMin() {
	_, minKey, ok := s.queue.PeekMin()
	if !ok {
		return
	}
	maxTool := s.findMaxShareToolAboveQ()
	if maxTool == noTool {
		return
	}
	holder := s.customers[s.tools[maxTool].currentUser]
	if holder.share > minKey {
		s.wakeTool(maxTool)
	}
}

// findFreeTool returns the free tool with the smallest total_usage, ties
// broken by smallest tool_id, or noTool if every tool is bound.
func (s *Scheduler) findFreeTool() int {
	best := noTool
	var bestUsage float64
	for i, t := range s.tools {
		if t.currentUser != noTool {
			continue
		}
		if best == noTool || t.totalUsage < bestUsage {
			best = i
			bestUsage = t.totalUsage
		}
	}
	return best
}

// findPreemptionCandidate picks the tool whose holder has the largest
// current_usage (ties: smallest tool_id), and returns it only if preemption
// is allowed: holder.share >= newShare and holder.current_usage >= q.
func (s *Scheduler) findPreemptionCandidate(newShare float64) int {
	candidate := noTool
	var maxUsage float64
	for i, t := range s.tools {
		if t.currentUser == noTool {
			continue
		}
		if candidate == noTool || t.currentUsage > maxUsage {
			candidate = i
			maxUsage = t.currentUsage
		}
	}
	if candidate == noTool {
		return noTool
	}

	holder := s.customers[s.tools[candidate].currentUser]
	qMS := float64(s.q) / float64(time.Millisecond)
	if holder.share < newShare || maxUsage < qMS {
		return noTool
	}
	return candidate
}

// findMaxShareToolAboveQ returns the bound tool whose holder has the
// largest share among holders that have already met q, ties broken by
// smallest tool_id, or noTool if none qualify.
func (s *Scheduler) findMaxShareToolAboveQ() int {
	best := noTool
	var bestShare float64
	qMS := float64(s.q) / float64(time.Millisecond)
	for i, t := range s.tools {
		if t.currentUser == noTool {
			continue
		}
		if t.currentUsage < qMS {
			continue
		}
		c := s.customers[t.currentUser]
		if best == noTool || c.share > bestShare {
			best = i
			bestShare = c.share
		}
	}
	return best
}

// emit stamps the customer's one-deep event mailbox and logs the event line
// to stdout via the structured logger, under the scheduler mutex (the
// caller always holds it already), so the operational log's line order
// matches true event order.
func (s *Scheduler) emit(c *customer, kind wire.EventKind, toolID int) {
	c.pendingEvent = Event{Kind: kind, CustomerID: c.id, Share: c.share, ToolID: toolID}
	c.eventPending = true
	c.eventCond.Signal()

	line := wire.FormatEvent(kind, c.id, int64(c.share), toolID)
	s.logger.Info().Msg(trimTrailingNewline(line))
	s.observer.OnEvent(kind)
}

func trimTrailingNewline(str string) string {
	if n := len(str); n > 0 && str[n-1] == '\n' {
		return str[:n-1]
	}
	return str
}

// ToolTick advances one tool runner's tick under the scheduler mutex. It
// returns idle=true if the tool is currently unbound, in which case the
// caller should block on WaitForIdleTool rather than sleeping.
func (s *Scheduler) ToolTick(toolID int) (idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tools[toolID]
	if t.currentUser == noTool {
		return true
	}

	c := s.customers[t.currentUser]
	elapsed := time.Since(t.sessionStart)
	t.currentUsage = float64(elapsed) / float64(time.Millisecond)

	remaining := c.requestDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	c.remainingDuration = remaining

	switch {
	case remaining <= 0:
		s.unbindFromTool(t.currentUser, wire.EventCompleted)
		c.state = StateResting
		s.restingCustomers++
		s.assignNextFromQueue(toolID)
	case elapsed >= s.Q && s.queue.Len() > 0:
		s.forcePreempt(toolID)
	case elapsed >= s.q && s.queue.Len() > 0:
		if _, minKey, ok := s.queue.PeekMin(); ok && minKey < c.share {
			s.forcePreempt(toolID)
		}
	}
	return false
}

// forcePreempt removes the current holder (emitting TOOL_REMOVED), re-queues
// it by its updated share, and hands the tool to the next waiter.
func (s *Scheduler) forcePreempt(toolID int) {
	holder := s.tools[toolID].currentUser
	s.unbindFromTool(holder, wire.EventRemoved)
	s.moveToWaiting(holder)
	s.assignNextFromQueue(toolID)
}

// WaitForIdleTool blocks on the new_customer condition until toolID is bound
// or the scheduler is shutting down, whichever comes first. It substitutes
// for the original's ~1s pthread_cond_timedwait: sync.Cond has no timed
// wait, so Scheduler additionally broadcasts new_customer on the ticker
// started by RunIdleTicker, giving every idle runner the same ~1s upper
// bound on how long it can sleep before re-checking shutdown.
func (s *Scheduler) WaitForIdleTool(toolID int) (exit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tools[toolID]
	for t.currentUser == noTool && !s.shouldExit {
		s.newCustomerCond.Wait()
	}
	return s.shouldExit
}

// RunIdleTicker broadcasts the new_customer condition roughly once a second
// until stop is closed, so idle tool runners periodically recheck shutdown
// even with no new arrivals. Intended to run in its own goroutine for the
// lifetime of the server.
func (s *Scheduler) RunIdleTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.newCustomerCond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// WaitingEntry is one row of the status report's waiting list block.
type WaitingEntry struct {
	CustomerID int64
	WaitedMS   int64
	Share      int64
}

// ToolEntry is one row of the status report's tool table block.
type ToolEntry struct {
	ToolID       int
	TotalUsageMS int64
	Free         bool
	CustomerID   int64
	Share        int64
	RemainingMS  int64
}

// Snapshot is a point-in-time, report-ready view of the scheduler's global
// state. It mirrors the buffer handle_report builds under the original's
// global_mutex: a consistent read taken entirely under the scheduler lock.
type Snapshot struct {
	NumTools         int
	WaitingCount     int
	RestingCustomers int
	TotalCustomers   int
	AverageShare     float64
	Waiting          []WaitingEntry
	Tools            []ToolEntry
}

// Snapshot builds a Snapshot for internal/report to render, sorting the
// waiting list by ascending share exactly as the original's bubble sort does.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		NumTools:         len(s.tools),
		WaitingCount:     s.waitingCount,
		RestingCustomers: s.restingCustomers,
		TotalCustomers:   s.totalCustomers,
	}
	if s.totalCustomers > 0 {
		snap.AverageShare = s.totalShare / float64(s.totalCustomers)
	}

	now := time.Now()
	for h, c := range s.customers {
		if c.allocated && c.state == StateWaiting {
			snap.Waiting = append(snap.Waiting, WaitingEntry{
				CustomerID: c.id,
				WaitedMS:   int64(now.Sub(c.waitStart) / time.Millisecond),
				Share:      int64(c.share),
			})
		}
		_ = h
	}
	for i := 0; i < len(snap.Waiting); i++ {
		for j := i + 1; j < len(snap.Waiting); j++ {
			if snap.Waiting[j].Share < snap.Waiting[i].Share {
				snap.Waiting[i], snap.Waiting[j] = snap.Waiting[j], snap.Waiting[i]
			}
		}
	}

	for _, t := range s.tools {
		if t.currentUser == noTool {
			snap.Tools = append(snap.Tools, ToolEntry{ToolID: t.id, TotalUsageMS: int64(t.totalUsage), Free: true})
			continue
		}
		c := s.customers[t.currentUser]
		current := int64(now.Sub(t.sessionStart) / time.Millisecond)
		snap.Tools = append(snap.Tools, ToolEntry{
			ToolID:       t.id,
			TotalUsageMS: int64(t.totalUsage) + current,
			CustomerID:   c.id,
			Share:        int64(c.share),
			RemainingMS:  int64(c.remainingDuration / time.Millisecond),
		})
	}

	return snap
}

// CheckInvariants asserts §3's invariants 1-7. Invariant 8 (the upper bound
// on a bound tool's current_usage) is not checked. It is intended for tests,
// not the production hot path; a violation indicates a scheduler bug and
// panics per §7's fatal error kind.
func (s *Scheduler) CheckInvariants() {
	s.mu.Lock()
	defer s.mu.Unlock()

	waitingByState, restingByState := 0, 0
	var shareSum float64
	allocatedCount := 0

	for h, c := range s.customers {
		if !c.allocated {
			continue
		}
		allocatedCount++
		shareSum += c.share

		if c.state != StateUsing && c.currentTool != noTool {
			panic(fmt.Sprintf("invariant violated: non-Using customer %d has a current_tool", c.id))
		}

		switch c.state {
		case StateWaiting:
			waitingByState++
			if !s.queue.Contains(h) {
				panic(fmt.Sprintf("invariant violated: customer %d is Waiting but not queued", c.id))
			}
		case StateResting:
			restingByState++
		case StateUsing:
			if c.currentTool == noTool {
				panic(fmt.Sprintf("invariant violated: Using customer %d has no current_tool", c.id))
			}
		}
	}

	if waitingByState != s.queue.Len() {
		panic("invariant violated: waiting_count does not match queue size")
	}
	if waitingByState != s.waitingCount {
		panic("invariant violated: waiting_count counter mismatch")
	}
	if restingByState != s.restingCustomers {
		panic("invariant violated: resting_customers counter mismatch")
	}
	if allocatedCount != s.totalCustomers {
		panic("invariant violated: total_customers counter mismatch")
	}
	if d := shareSum - s.totalShare; d > 1e-6 || d < -1e-6 {
		panic("invariant violated: total_share does not match sum of shares")
	}

	for _, t := range s.tools {
		if t.currentUser == noTool {
			if t.currentUsage != 0 {
				panic("invariant violated: free tool has nonzero current_usage")
			}
			continue
		}
		c := s.customers[t.currentUser]
		if c.state != StateUsing || c.currentTool != t.id {
			panic("invariant violated: tool/customer binding is not bijective")
		}
	}
}
