// Package proxy implements the egress rotation manager used by browser sessions.
package proxy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// DirectLabel names the fallback endpoint that connects without a proxy.
const DirectLabel = "direct"

type endpointState struct {
	endpoint scraper.ProxyEndpoint
	stats    scraper.ProxyStats
}

// Manager holds an ordered, non-empty endpoint list with exactly one current index.
// Failed endpoints stay in rotation; failures are tracked for reporting only.
type Manager struct {
	mu        sync.Mutex
	endpoints []*endpointState
	current   int
	clock     scraper.Clock
	logger    *zap.Logger
}

// New builds a Manager. An empty list yields a single direct endpoint.
func New(endpoints []scraper.ProxyEndpoint, clock scraper.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(endpoints) == 0 {
		endpoints = []scraper.ProxyEndpoint{{Label: DirectLabel}}
	}
	states := make([]*endpointState, 0, len(endpoints))
	for i, ep := range endpoints {
		if ep.Label == "" {
			ep.Label = ep.Address()
			if ep.Label == "" {
				ep.Label = DirectLabel
			}
		}
		states = append(states, &endpointState{
			endpoint: ep,
			stats: scraper.ProxyStats{
				Label:     ep.Label,
				Host:      ep.Host,
				Port:      ep.Port,
				IsCurrent: i == 0,
			},
		})
	}
	return &Manager{
		endpoints: states,
		clock:     clock,
		logger:    logger,
	}
}

// Current returns the current endpoint and records a use against it.
func (m *Manager) Current() scraper.ProxyEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.useLocked(m.endpoints[m.current])
}

// Acquire returns the endpoint bound to label, or the current endpoint when the label is
// empty or unknown.
func (m *Manager) Acquire(label string) scraper.ProxyEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if label != "" {
		for _, st := range m.endpoints {
			if st.endpoint.Label == label {
				return m.useLocked(st)
			}
		}
		m.logger.Warn("bound proxy not configured, using current", zap.String("label", label))
	}
	return m.useLocked(m.endpoints[m.current])
}

// Rotate advances the current index circularly and returns the new current endpoint.
// With a single endpoint it is a no-op.
func (m *Manager) Rotate() scraper.ProxyEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

// MarkFailed records a failure against the endpoint with the given label.
func (m *Manager) MarkFailed(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(label)
}

// ReportFailure marks the endpoint failed and rotates when it is the current one.
func (m *Manager) ReportFailure(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.markLocked(label) {
		return
	}
	if m.endpoints[m.current].endpoint.Label == label {
		next := m.rotateLocked()
		m.logger.Info("proxy rotated after failure",
			zap.String("failed", label),
			zap.String("current", next.Label),
		)
	}
}

// ResetFailed clears every failure counter.
func (m *Manager) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.endpoints {
		st.stats.Failures = 0
	}
}

// Stats returns a copy of the per-endpoint usage statistics in list order.
func (m *Manager) Stats() []scraper.ProxyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scraper.ProxyStats, 0, len(m.endpoints))
	for i, st := range m.endpoints {
		s := st.stats
		s.IsCurrent = i == m.current
		if st.stats.LastUsed != nil {
			t := *st.stats.LastUsed
			s.LastUsed = &t
		}
		out = append(out, s)
	}
	return out
}

// Len returns the number of endpoints in rotation.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

func (m *Manager) useLocked(st *endpointState) scraper.ProxyEndpoint {
	st.stats.Requests++
	if m.clock != nil {
		now := m.clock.Now()
		st.stats.LastUsed = &now
	}
	metrics.ObserveProxyRequest(st.endpoint.Label)
	return st.endpoint
}

func (m *Manager) rotateLocked() scraper.ProxyEndpoint {
	if len(m.endpoints) > 1 {
		m.current = (m.current + 1) % len(m.endpoints)
	}
	return m.endpoints[m.current].endpoint
}

func (m *Manager) markLocked(label string) bool {
	for _, st := range m.endpoints {
		if st.endpoint.Label == label {
			st.stats.Failures++
			metrics.ObserveProxyFailure(label)
			return true
		}
	}
	return false
}
