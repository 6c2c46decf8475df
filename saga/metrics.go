package saga

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"order-saga/resilient"
)

type Metrics struct {
	mu                        sync.RWMutex
	eventsPublished           map[string]float64
	breakerTransitions        map[breakerKey]float64
	sagaStartedTotal          float64
	sagaConfirmedTotal        float64
	sagaCancelledTotal        float64
	compensationFailuresTotal float64
	sagaDurationBuckets       map[float64]float64
	sagaDurationCount         float64
	sagaDurationSum           float64
}

type breakerKey struct {
	target string
	state  resilient.State
}

func NewMetrics() *Metrics {
	return &Metrics{
		eventsPublished:    map[string]float64{},
		breakerTransitions: map[breakerKey]float64{},
		sagaDurationBuckets: map[float64]float64{
			0.1: 0,
			0.5: 0,
			1:   0,
			2:   0,
			5:   0,
			10:  0,
		},
	}
}

var DefaultMetrics = NewMetrics()

// ObserveEventPublished matches eventbus.WithPublishHook.
func (m *Metrics) ObserveEventPublished(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsPublished[eventType]++
}

// ObserveBreakerTransition matches resilient.WithStateChangeHook.
func (m *Metrics) ObserveBreakerTransition(target string, _, to resilient.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerTransitions[breakerKey{target: target, state: to}]++
}

func (m *Metrics) ObserveSagaStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sagaStartedTotal++
}

func (m *Metrics) ObserveCompensationFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensationFailuresTotal++
}

func (m *Metrics) ObserveSagaResult(status Status, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch status {
	case StatusConfirmed:
		m.sagaConfirmedTotal++
	case StatusCancelled:
		m.sagaCancelledTotal++
	}

	seconds := duration.Seconds()
	m.sagaDurationCount++
	m.sagaDurationSum += seconds
	for bucket := range m.sagaDurationBuckets {
		if seconds <= bucket {
			m.sagaDurationBuckets[bucket]++
		}
	}
}

func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(m.RenderPrometheus()))
	})
}

func (m *Metrics) RenderPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	writeLine := func(line string) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	counter := func(name, help string, value float64) {
		writeLine(fmt.Sprintf("# HELP %s %s", name, help))
		writeLine(fmt.Sprintf("# TYPE %s counter", name))
		writeLine(fmt.Sprintf("%s %.0f", name, value))
	}

	writeLine("# HELP saga_events_published_total Total events published by event type")
	writeLine("# TYPE saga_events_published_total counter")
	eventTypes := make([]string, 0, len(m.eventsPublished))
	for name := range m.eventsPublished {
		eventTypes = append(eventTypes, name)
	}
	sort.Strings(eventTypes)
	for _, name := range eventTypes {
		writeLine(fmt.Sprintf("saga_events_published_total{event=%q} %.0f", name, m.eventsPublished[name]))
	}

	counter("saga_started_total", "Total started sagas", m.sagaStartedTotal)
	counter("saga_confirmed_total", "Total sagas that confirmed their order", m.sagaConfirmedTotal)
	counter("saga_cancelled_total", "Total sagas that cancelled their order", m.sagaCancelledTotal)
	counter("saga_compensation_failures_total", "Total stock restorations that failed during compensation", m.compensationFailuresTotal)

	writeLine("# HELP circuit_breaker_transitions_total Circuit breaker state changes by target and new state")
	writeLine("# TYPE circuit_breaker_transitions_total counter")
	keys := make([]breakerKey, 0, len(m.breakerTransitions))
	for k := range m.breakerTransitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].target != keys[j].target {
			return keys[i].target < keys[j].target
		}
		return keys[i].state < keys[j].state
	})
	for _, k := range keys {
		writeLine(fmt.Sprintf("circuit_breaker_transitions_total{target=%q,state=%q} %.0f", k.target, k.state, m.breakerTransitions[k]))
	}

	writeLine("# HELP saga_duration_seconds Saga execution duration histogram")
	writeLine("# TYPE saga_duration_seconds histogram")
	buckets := make([]float64, 0, len(m.sagaDurationBuckets))
	for b := range m.sagaDurationBuckets {
		buckets = append(buckets, b)
	}
	sort.Float64s(buckets)
	for _, b := range buckets {
		writeLine(fmt.Sprintf("saga_duration_seconds_bucket{le=%q} %.0f", fmt.Sprintf("%.1f", b), m.sagaDurationBuckets[b]))
	}
	writeLine(fmt.Sprintf("saga_duration_seconds_bucket{le=\"+Inf\"} %.0f", m.sagaDurationCount))
	writeLine(fmt.Sprintf("saga_duration_seconds_sum %.6f", m.sagaDurationSum))
	writeLine(fmt.Sprintf("saga_duration_seconds_count %.0f", m.sagaDurationCount))

	return sb.String()
}
