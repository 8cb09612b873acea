package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

type ledger struct {
	mu sync.Mutex
	m  map[string]*GoroutineStats
}

func (l *ledger) entry(name string) *GoroutineStats {
	if l.m == nil {
		l.m = map[string]*GoroutineStats{}
	}
	st := l.m[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		l.m[name] = st
	}
	return st
}

func (l *ledger) start(name string, restart bool) time.Time {
	now := time.Now()
	l.mu.Lock()
	st := l.entry(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	l.mu.Unlock()
	return now
}

func (l *ledger) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	l.mu.Lock()
	st := l.entry(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.TotalRuntime += now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	l.mu.Unlock()
}

func (l *ledger) recordPanic(name string, r any) {
	l.mu.Lock()
	st := l.entry(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(r)
	l.mu.Unlock()
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists goroutine stats, active ones first.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.book.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.book.m))
	for _, st := range s.book.m {
		gs = append(gs, *st)
	}
	s.book.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		return gs[i].Name < gs[j].Name
	})
	snap.Goroutines = gs
	return snap
}

// Registry tracks subsystem supervisors for ops endpoints.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry { return &Registry{m: map[string]*Supervisor{}} }

// Set registers sup under name; a nil sup deletes the entry.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

// Snapshots returns a snapshot of every registered supervisor.
func (r *Registry) Snapshots() map[string]SupervisorSnapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]SupervisorSnapshot, len(r.m))
	for k, v := range r.m {
		out[k] = v.Snapshot()
	}
	return out
}
