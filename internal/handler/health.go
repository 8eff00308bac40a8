package handler

import (
	"sort"

	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// BackendHealth is one backend's connection and circuit state.
type BackendHealth struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	CircuitState string `json:"circuitState,omitempty"`
}

// HealthReport is the health operation's response.
type HealthReport struct {
	Status    string               `json:"status"` // ok | degraded
	Backends  []BackendHealth      `json:"backends"`
	Admission infra.AdmissionStats `json:"admission"`
}

// Health summarizes backend and admission state. Degraded means at least one
// backend is failed or circuit-open; the broker itself still serves.
func (e *Executor) Health() *HealthReport {
	report := &HealthReport{
		Status:   "ok",
		Backends: []BackendHealth{},
	}
	if e.pool == nil {
		return report
	}

	breakers := make(map[string]infra.CircuitBreakerStats)
	for _, st := range e.pool.BreakerStats() {
		breakers[st.Name] = st
	}

	for name, status := range e.pool.BackendStatuses() {
		bh := BackendHealth{
			Name:   name,
			Status: string(status),
		}
		if st, ok := breakers[name]; ok {
			bh.CircuitState = st.State
			if st.State != infra.CircuitClosed {
				report.Status = "degraded"
			}
		}
		if status == upstream.StatusFailed {
			report.Status = "degraded"
		}
		report.Backends = append(report.Backends, bh)
	}
	sort.Slice(report.Backends, func(i, j int) bool {
		return report.Backends[i].Name < report.Backends[j].Name
	})

	report.Admission = e.pool.AdmissionStats()
	return report
}
