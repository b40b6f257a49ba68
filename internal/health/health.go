// Package health runs dependency probes for the /health endpoints.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one probe.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker probes a single dependency.
type Checker func(ctx context.Context) Status

// Result aggregates a CheckAll run. Degraded means only non-critical
// probes failed.
type Result struct {
	Healthy  bool
	Degraded bool
	Statuses []Status
}

// Registry holds probes. Critical probes gate readiness; optional ones only
// degrade the reported status.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical probe.
func (r *Registry) Register(name string, check Checker) {
	r.add(probe{name: name, critical: true, check: check})
}

// RegisterOptional adds a probe whose failure degrades but does not fail health.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(probe{name: name, check: check})
}

func (r *Registry) add(p probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Result {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := p.check(ctx)
			st.Name = p.name
			st.Critical = p.critical
			statuses[i] = st
		}()
	}
	wg.Wait()

	res := Result{Healthy: true, Statuses: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			res.Healthy = false
		} else {
			res.Degraded = true
		}
	}
	return res
}
