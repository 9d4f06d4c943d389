package sched

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-stp/tilerq/internal/metrics"
	"github.com/x-stp/tilerq/internal/retrieval"
	"github.com/x-stp/tilerq/internal/util"
)

const (
	// defaultQueueSize bounds the ready queue when the caller doesn't choose.
	defaultQueueSize = 1024
	// defaultStaleThreshold is the epoch bucket width: requests submitted
	// within one bucket compete on priority alone, a strictly newer bucket
	// always wins.
	defaultStaleThreshold = 750 * time.Millisecond
)

// Shutdown levels. Escalation only moves forward: a graceful drain can be
// escalated to an immediate stop, never the other way.
const (
	shutdownNone int32 = iota
	shutdownGraceful
	shutdownImmediate
)

// HealthTracker is the network-health collaborator consulted before dispatch
// and notified after each attempt. health.Tracker implements it.
type HealthTracker interface {
	retrieval.HostStatusLogger
	IsHostUnavailable(host string) bool
}

// Options configures a Service. The zero value of every field selects a
// sensible default; Health and SecurityListener may stay nil.
type Options struct {
	// PoolSize is the number of worker goroutines; <= 0 means NumCPU.
	PoolSize int
	// QueueSize bounds the ready queue. 0 selects the default bound,
	// -1 makes the queue unbounded.
	QueueSize int
	// StaleThreshold is the epoch bucket width for anti-starvation ordering.
	StaleThreshold time.Duration
	Health         HealthTracker
	// SecurityListener receives TLS failures instead of the log.
	SecurityListener SecurityListener
}

// Service is the asynchronous retrieval scheduler: a fixed worker pool
// draining the priority queue, with per-identity admission in front of it.
//
// Lock ordering is admission shard before queue; the queue never calls back
// into the admission table.
type Service struct {
	queue     *taskQueue
	admission *admissionTable

	health           HealthTracker
	securityListener SecurityListener
	staleMs          int64

	ctx    context.Context
	cancel context.CancelFunc

	shutdown      atomic.Int32 // shutdownNone/Graceful/Immediate
	activeWorkers atomic.Int64
	wg            sync.WaitGroup
}

// NewService creates the scheduler and starts its worker pool. Workers get
// best-effort CPU affinity on Linux, matching pool position to core.
func NewService(opts Options) *Service {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	capacity := opts.QueueSize
	switch {
	case capacity == 0:
		capacity = defaultQueueSize
	case capacity < 0:
		capacity = 0 // unbounded
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = defaultStaleThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		health:           opts.Health,
		securityListener: opts.SecurityListener,
		staleMs:          stale.Milliseconds(),
		ctx:              ctx,
		cancel:           cancel,
	}
	s.queue = newTaskQueue(capacity)
	s.admission = newAdmissionTable(s.queue)

	s.wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go s.worker(i)
	}
	log.Printf("Retrieval scheduler started with %d workers", poolSize)
	return s
}

// epochNow returns the current submission epoch bucket.
func (s *Service) epochNow() int64 {
	return time.Now().UnixMilli() / s.staleMs
}

// Submit admits r for retrieval at the given priority and returns the handle
// to await. A negative priority selects plain submission-order scheduling,
// below all prioritized work.
//
// If a task for r's identity is already admitted, no new work is created: the
// existing task is boosted to at least the requested priority, its starvation
// clock is reset, and its handle is returned. The caller cannot tell (and must
// not care) whether it got a fresh task or a shared one.
func (s *Service) Submit(r retrieval.Retriever, priority float64) (*Task, error) {
	if r == nil || r.Identity() == "" {
		return nil, ErrEmptyIdentity
	}
	if s.shutdown.Load() != shutdownNone {
		return nil, ErrShuttingDown
	}

	epoch := s.epochNow()
	t := newTask(r, priority, epoch, s)
	admitted, fresh, err := s.admission.admit(t, priority, epoch)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			reason := "shutdown"
			if err == ErrQueueFull {
				reason = "queue_full"
			}
			metrics.GetMetrics().RejectionsTotal.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	if metrics.IsMetricsEnabled() {
		m := metrics.GetMetrics()
		if fresh {
			m.SubmissionsTotal.Inc()
			m.QueueDepth.Set(float64(s.queue.len()))
		} else {
			m.DedupBoostsTotal.Inc()
		}
	}
	return admitted, nil
}

// worker is the main loop of one pool goroutine.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	setAffinity(id, id%runtime.NumCPU())

	for {
		t, ok := s.queue.pop()
		if !ok {
			return
		}
		s.execute(t)
	}
}

// execute runs one dequeued task to completion. Nothing escapes it: retriever
// panics are recovered and surface as task errors, and every path removes the
// task from the admission table before resolving the handle, so a resubmission
// of the identity observed after the handle is done is always admitted fresh.
func (s *Service) execute(t *Task) {
	if t.IsDone() {
		return
	}
	if t.IsCancelled() {
		s.admission.remove(t)
		t.complete(nil, ErrCancelled)
		return
	}

	// Fast-fail against hosts with a recent run of transport failures. The
	// tracker occasionally grants a probe, which proceeds as normal work.
	if s.health != nil && s.health.IsHostUnavailable(util.HostOf(t.Identity())) {
		s.admission.remove(t)
		s.dispatchFailure(t, ErrHostUnavailable)
		t.complete(nil, ErrHostUnavailable)
		return
	}

	t.started.Store(true)
	runCtx, cancelRun := context.WithCancel(s.ctx)
	t.cancelRun.Store(cancelRun)
	if t.IsCancelled() {
		// Cancel raced with dispatch and may have missed the stored func.
		cancelRun()
	}

	s.activeWorkers.Add(1)
	stopTimer := func() {}
	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().ActiveWorkers.Inc()
		stopTimer = metrics.MeasureDuration(metrics.GetMetrics().ExecutionDuration)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("retriever panicked for %s: %v", t.Identity(), r)
			}
		}()
		err = t.Retriever().Run(runCtx)
	}()
	cancelRun()
	stopTimer()
	s.activeWorkers.Add(-1)
	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().ActiveWorkers.Dec()
	}

	// Cancellation wins over whatever the wind-down produced.
	if err != nil && t.IsCancelled() {
		err = ErrCancelled
	}

	// Admission removal strictly before handle resolution.
	s.admission.remove(t)
	s.dispatchFailure(t, err)
	s.observeExecution(t, err)

	if err != nil {
		t.complete(nil, err)
		return
	}
	t.complete(t.Retriever().Buffer(), nil)
}

// dispatchFailure routes a task failure by class. Expected outcomes
// (cancellation, interruption) stay quiet; transport noise is logged low;
// TLS failures go to the security listener; the rest is logged loud. Never
// panics — a throwing listener must not kill a worker.
func (s *Service) dispatchFailure(t *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in failure dispatch for %s: %v", t.Identity(), r)
		}
	}()

	class := classify(err)
	if metrics.IsMetricsEnabled() && class != ClassNone {
		metrics.GetMetrics().TaskOutcomes.WithLabelValues(class.String()).Inc()
	}

	switch class {
	case ClassNone, ClassCancelled, ClassInterrupted:
		// Expected; nothing to report.
	case ClassTransport:
		log.Printf("Transport failure for %s: %v", t.Identity(), err)
	case ClassSecurity:
		if s.securityListener != nil {
			s.securityListener(err, t.Identity())
		} else {
			log.Printf("TLS failure for %s: %v", t.Identity(), err)
		}
	case ClassPostProcess, ClassUnexpected:
		log.Printf("Error retrieving %s: %v", t.Identity(), err)
	}
}

func (s *Service) observeExecution(t *Task, err error) {
	if !metrics.IsMetricsEnabled() {
		return
	}
	m := metrics.GetMetrics()
	m.QueueDepth.Set(float64(s.queue.len()))
	if read := t.Retriever().ContentLengthRead(); read > 0 {
		m.BytesReadTotal.Add(float64(read))
	}
	if err == nil {
		m.TaskOutcomes.WithLabelValues("success").Inc()
	}
}

// cancelTask resolves a still-queued task immediately. Called from
// Task.Cancel; a task already claimed by a worker is left to the worker,
// which observes the cancelled flag (or the cancelled run context).
func (s *Service) cancelTask(t *Task) {
	if t.started.Load() {
		return
	}
	if s.queue.remove(t) {
		s.admission.remove(t)
		t.complete(nil, ErrCancelled)
	}
}

// Shutdown stops the scheduler. Graceful shutdown stops intake, lets the
// workers drain the queue and waits for them; immediate shutdown also cancels
// running retrievals, empties the admission table and resolves every admitted
// handle with ErrCancelled, without waiting. Calling Shutdown(true) while a
// graceful drain is in progress escalates it.
func (s *Service) Shutdown(immediate bool) {
	if immediate {
		if s.shutdown.Swap(shutdownImmediate) == shutdownImmediate {
			return
		}
		log.Println("Retrieval scheduler shutting down immediately")
		s.cancel()
		for _, t := range s.queue.close(false) {
			s.admission.remove(t)
			t.complete(nil, ErrCancelled)
		}
		// In-flight entries must not outlive the shutdown either, even when a
		// retriever ignores its cancelled context; resolve their handles now.
		// A worker finishing later finds its removal and completion inert.
		for _, t := range s.admission.clear() {
			t.complete(nil, ErrCancelled)
		}
		return
	}

	if !s.shutdown.CompareAndSwap(shutdownNone, shutdownGraceful) {
		return
	}
	log.Println("Retrieval scheduler draining")
	s.queue.close(true)
	s.wg.Wait()
	s.cancel()
	log.Println("Retrieval scheduler drained")
}

// Wait blocks until every worker goroutine has exited. Only meaningful after
// Shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// IsAvailable reports whether the scheduler still accepts submissions.
func (s *Service) IsAvailable() bool {
	return s.shutdown.Load() == shutdownNone
}

// HasActiveTasks reports whether at least one worker is currently executing
// a retrieval. Tasks that are merely queued do not count.
func (s *Service) HasActiveTasks() bool {
	return s.activeWorkers.Load() > 0
}

// QueueDepth returns the number of tasks queued and not yet running.
func (s *Service) QueueDepth() int {
	return s.queue.len()
}

// ActiveWorkers returns the number of workers currently executing a task.
func (s *Service) ActiveWorkers() int {
	return int(s.activeWorkers.Load())
}

// ProgressPercent aggregates download progress over all admitted tasks as a
// percentage of bytes read against declared content lengths. Tasks whose
// servers declared no length contribute nothing; with no declared lengths at
// all the result is 0. The value is a snapshot and may move backwards as
// tasks complete and leave the admission table.
func (s *Service) ProgressPercent() float64 {
	var total, read int64
	for _, t := range s.admission.snapshot() {
		func() {
			// A retriever racing its own teardown must not break the poll.
			defer func() { _ = recover() }()
			if cl := t.Retriever().ContentLength(); cl > 0 {
				total += cl
				read += min(t.Retriever().ContentLengthRead(), cl)
			}
		}()
	}
	if total == 0 {
		return 0
	}
	pct := 100 * float64(read) / float64(total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
