package health

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

/*
Package health tracks per-host network availability for the retrieval
scheduler. Workers consult the tracker before dispatch to fast-fail requests
against hosts that have recently produced a run of transport failures, and
report success/failure after each attempt.

A host marked unavailable is not blacklisted forever: a rate limiter lets an
occasional probe attempt through, so a recovered host is rediscovered without
any explicit reset. One successful response clears the host's failure state.
*/

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tracker is the network-health collaborator. Safe for concurrent use by
// submission threads and worker-completion threads.
type Tracker struct {
	failureThreshold int
	probeInterval    time.Duration

	mu    sync.Mutex
	hosts map[string]*hostState
}

// hostState holds failure bookkeeping for one host.
type hostState struct {
	consecutiveFailures int
	lastFailure         time.Time
	// prober gates probe attempts while the host is considered unavailable.
	// Created lazily when the failure threshold is first crossed.
	prober *rate.Limiter
}

// NewTracker creates a Tracker. A host becomes unavailable after
// failureThreshold consecutive failures; while unavailable, at most one
// probe per probeInterval is let through.
func NewTracker(failureThreshold int, probeInterval time.Duration) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	return &Tracker{
		failureThreshold: failureThreshold,
		probeInterval:    probeInterval,
		hosts:            make(map[string]*hostState),
	}
}

// LogAvailableHost records a successful response from host, clearing any
// accumulated failure state.
func (t *Tracker) LogAvailableHost(host string) {
	if host == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hosts, host)
}

// LogUnavailableHost records a transport failure against host.
func (t *Tracker) LogUnavailableHost(host string) {
	if host == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	hs := t.hosts[host]
	if hs == nil {
		hs = &hostState{}
		t.hosts[host] = hs
	}
	hs.consecutiveFailures++
	hs.lastFailure = time.Now()
	if hs.consecutiveFailures >= t.failureThreshold && hs.prober == nil {
		// Every() yields one token per interval; burst 1 so probes cannot
		// accumulate while nothing asks.
		hs.prober = rate.NewLimiter(rate.Every(t.probeInterval), 1)
		// The first token is available immediately; drain it so the first
		// probe is only granted after a full interval has passed.
		hs.prober.Allow()
	}
}

// IsHostUnavailable reports whether requests against host should fast-fail.
// While a host is over the failure threshold, the call occasionally returns
// false to let a single probe attempt through.
func (t *Tracker) IsHostUnavailable(host string) bool {
	if host == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	hs := t.hosts[host]
	if hs == nil || hs.consecutiveFailures < t.failureThreshold {
		return false
	}
	if hs.prober != nil && hs.prober.Allow() {
		return false // probe attempt granted
	}
	return true
}

// FailureCount returns the current consecutive-failure count for host.
// Exposed for observability; 0 for unknown hosts.
func (t *Tracker) FailureCount(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hs := t.hosts[host]; hs != nil {
		return hs.consecutiveFailures
	}
	return 0
}

// UnavailableHosts returns the hosts currently over the failure threshold.
func (t *Tracker) UnavailableHosts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for host, hs := range t.hosts {
		if hs.consecutiveFailures >= t.failureThreshold {
			out = append(out, host)
		}
	}
	return out
}
