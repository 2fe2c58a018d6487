package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration metric
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus summarizes the control plane for the /healthz endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string         `json:"timestamp"` // ISO 8601
	Uptime    string         `json:"uptime"`    // Duration since start
	Version   string         `json:"version"`   // Build version
	Details   map[string]any `json:"details"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

func gaugeValue(name string) (float64, bool) {
	if m, ok := reg.gauges[name]; ok {
		for _, v := range m {
			return v, true
		}
	}
	return 0, false
}

func counterTotal(name string) int64 {
	var total int64
	if m, ok := reg.counters[name]; ok {
		for _, c := range m {
			total += c
		}
	}
	return total
}

// HealthHandler reports bridge liveness, agent state and reconciliation
// backlog from the telemetry the components already publish.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		connected, _ := gaugeValue("bridge_connected")
		agentState, _ := gaugeValue("agent_state")
		unsynced, _ := gaugeValue("positions_unsynced")
		queueDepth, _ := gaugeValue("bridge_queue_depth")

		status := "healthy"
		switch {
		case agentState == healthAgentError:
			status = "failed"
		case connected == 0 || unsynced > 0:
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Details: map[string]any{
				"bridge_connected":       connected == 1,
				"bridge_queue_depth":     int(queueDepth),
				"agent_state":            agentState,
				"positions_unsynced":     int(unsynced),
				"commands_sent_total":    counterTotal("bridge_commands_sent_total"),
				"messages_total":         counterTotal("bridge_messages_total"),
				"iteration_errors_total": counterTotal("agent_iteration_errors_total"),
			},
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent // 206
		case "failed":
			statusCode = http.StatusServiceUnavailable // 503
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// agent_state gauge value published by the controller for its ERROR state.
const healthAgentError = 2
