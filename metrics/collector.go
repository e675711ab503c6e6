// Package metrics collects operational counters for agents, tools and
// providers. Updates are increment-only; derived rates are computed on read
// and never stored.
package metrics

import (
	"sync"
	"time"
)

type counters struct {
	requests   int64
	succeeded  int64
	failed     int64
	tokens     int64
	costUSD    float64
	latencySum time.Duration
	latencyMin time.Duration
	latencyMax time.Duration
}

func (c *counters) record(latency time.Duration, tokens int64, cost float64, success bool) {
	if c.requests == 0 {
		c.latencyMin = latency
		c.latencyMax = latency
	} else {
		if latency < c.latencyMin {
			c.latencyMin = latency
		}
		if latency > c.latencyMax {
			c.latencyMax = latency
		}
	}
	c.requests++
	if success {
		c.succeeded++
	} else {
		c.failed++
	}
	c.tokens += tokens
	c.costUSD += cost
	c.latencySum += latency
}

// KeyStats is a read-side snapshot for one key, with derived rates.
type KeyStats struct {
	Requests   int64         `json:"requests"`
	Succeeded  int64         `json:"succeeded"`
	Failed     int64         `json:"failed"`
	Tokens     int64         `json:"tokens"`
	CostUSD    float64       `json:"cost_usd"`
	LatencySum time.Duration `json:"latency_sum"`
	LatencyMin time.Duration `json:"latency_min"`
	LatencyMax time.Duration `json:"latency_max"`

	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	AvgCostUSD  float64       `json:"avg_cost_usd"`
}

// AllMetrics is a full snapshot of every table plus the global counters.
type AllMetrics struct {
	Global    KeyStats            `json:"global"`
	Agents    map[string]KeyStats `json:"agents"`
	Tools     map[string]KeyStats `json:"tools"`
	Providers map[string]KeyStats `json:"providers"`
}

type tables struct {
	agents    map[string]*counters
	tools     map[string]*counters
	providers map[string]*counters
	global    counters
}

func newTables() *tables {
	return &tables{
		agents:    make(map[string]*counters),
		tools:     make(map[string]*counters),
		providers: make(map[string]*counters),
	}
}

// Collector holds three independently keyed tables (agent, tool, provider)
// plus one global counter set. Safe for concurrent use.
type Collector struct {
	mu    sync.RWMutex
	state *tables
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{state: newTables()}
}

// RecordAgentRequest records one completed turn for an agent key.
func (c *Collector) RecordAgentRequest(agentID string, latency time.Duration, tokens int64, cost float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket(c.state.agents, agentID).record(latency, tokens, cost, success)
	c.state.global.record(latency, tokens, cost, success)
}

// RecordToolCall records one tool execution. Satisfies tool.Recorder.
func (c *Collector) RecordToolCall(name string, latency time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket(c.state.tools, name).record(latency, 0, 0, success)
}

// RecordProviderRequest records one inference round trip for a provider key.
func (c *Collector) RecordProviderRequest(providerID string, latency time.Duration, tokens int64, cost float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket(c.state.providers, providerID).record(latency, tokens, cost, success)
}

// AgentStats returns the derived stats for one agent key.
func (c *Collector) AgentStats(agentID string) (KeyStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cnt, ok := c.state.agents[agentID]
	if !ok {
		return KeyStats{}, false
	}
	return derive(cnt), true
}

// ToolStats returns the derived stats for one tool key.
func (c *Collector) ToolStats(name string) (KeyStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cnt, ok := c.state.tools[name]
	if !ok {
		return KeyStats{}, false
	}
	return derive(cnt), true
}

// ProviderStats returns the derived stats for one provider key.
func (c *Collector) ProviderStats(providerID string) (KeyStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cnt, ok := c.state.providers[providerID]
	if !ok {
		return KeyStats{}, false
	}
	return derive(cnt), true
}

// Snapshot returns a copy of every table with derived fields filled in.
func (c *Collector) Snapshot() AllMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := AllMetrics{
		Global:    derive(&c.state.global),
		Agents:    make(map[string]KeyStats, len(c.state.agents)),
		Tools:     make(map[string]KeyStats, len(c.state.tools)),
		Providers: make(map[string]KeyStats, len(c.state.providers)),
	}
	for k, cnt := range c.state.agents {
		out.Agents[k] = derive(cnt)
	}
	for k, cnt := range c.state.tools {
		out.Tools[k] = derive(cnt)
	}
	for k, cnt := range c.state.providers {
		out.Providers[k] = derive(cnt)
	}
	return out
}

// Reset clears all tables. The state pointer swaps under the write lock, so
// readers see either the old tables or the fresh ones, never a mix.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = newTables()
}

func bucket(m map[string]*counters, key string) *counters {
	cnt, ok := m[key]
	if !ok {
		cnt = &counters{}
		m[key] = cnt
	}
	return cnt
}

func derive(cnt *counters) KeyStats {
	s := KeyStats{
		Requests:   cnt.requests,
		Succeeded:  cnt.succeeded,
		Failed:     cnt.failed,
		Tokens:     cnt.tokens,
		CostUSD:    cnt.costUSD,
		LatencySum: cnt.latencySum,
		LatencyMin: cnt.latencyMin,
		LatencyMax: cnt.latencyMax,
	}
	if cnt.requests > 0 {
		s.SuccessRate = float64(cnt.succeeded) / float64(cnt.requests)
		s.AvgLatency = cnt.latencySum / time.Duration(cnt.requests)
		s.AvgCostUSD = cnt.costUSD / float64(cnt.requests)
	}
	return s
}
