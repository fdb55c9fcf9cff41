// Copyright 2024-2026 Aiku AI

// Package metrics provides a lightweight Prometheus-compatible collector for
// the bridge. It serves text/plain exposition format without pulling in the
// full prometheus client dependency.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector aggregates labeled counters and timer summaries. It implements
// the bridge's Sink interface.
type Collector struct {
	mu       sync.RWMutex
	counters map[string]*counter
	timers   map[string]*timer
	start    time.Time
}

type counter struct {
	name   string
	labels string
	value  int64
}

type timer struct {
	name    string
	outcome string
	count   int64
	sum     float64
}

func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]*counter),
		timers:   make(map[string]*timer),
		start:    time.Now(),
	}
}

// IncrementCounter adds one to the counter identified by name and labels.
func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	key := name + "{" + labelString(labels) + "}"
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.counters[key]
	if !ok {
		ctr = &counter{name: name, labels: labelString(labels)}
		c.counters[key] = ctr
	}
	ctr.value++
}

// StartTimer starts a span for the named timer. The returned function stops
// the span and files it under the given outcome label.
func (c *Collector) StartTimer(name string) func(outcome string) {
	started := time.Now()
	return func(outcome string) {
		elapsed := time.Since(started).Seconds()
		key := name + "{" + outcome + "}"
		c.mu.Lock()
		defer c.mu.Unlock()
		t, ok := c.timers[key]
		if !ok {
			t = &timer{name: name, outcome: outcome}
			c.timers[key] = t
		}
		t.count++
		t.sum += elapsed
	}
}

// CounterValue returns the current value of a counter, for tests and
// introspection.
func (c *Collector) CounterValue(name string, labels map[string]string) int64 {
	key := name + "{" + labelString(labels) + "}"
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ctr, ok := c.counters[key]; ok {
		return ctr.value
	}
	return 0
}

// TimerCount returns how many spans were recorded for a timer and outcome.
func (c *Collector) TimerCount(name, outcome string) int64 {
	key := name + "{" + outcome + "}"
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.timers[key]; ok {
		return t.count
	}
	return 0
}

// ServeHTTP writes the Prometheus text exposition format.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder

	fmt.Fprintf(&b, "# TYPE bridge_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "bridge_uptime_seconds %.3f\n", time.Since(c.start).Seconds())

	keys := make([]string, 0, len(c.counters))
	for k := range c.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := make(map[string]bool)
	for _, k := range keys {
		ctr := c.counters[k]
		if !seen[ctr.name] {
			fmt.Fprintf(&b, "# TYPE %s counter\n", ctr.name)
			seen[ctr.name] = true
		}
		if ctr.labels == "" {
			fmt.Fprintf(&b, "%s %d\n", ctr.name, ctr.value)
		} else {
			fmt.Fprintf(&b, "%s{%s} %d\n", ctr.name, ctr.labels, ctr.value)
		}
	}

	keys = keys[:0]
	for k := range c.timers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen = make(map[string]bool)
	for _, k := range keys {
		t := c.timers[k]
		if !seen[t.name] {
			fmt.Fprintf(&b, "# TYPE %s summary\n", t.name)
			seen[t.name] = true
		}
		fmt.Fprintf(&b, "%s_count{outcome=%q} %d\n", t.name, t.outcome, t.count)
		fmt.Fprintf(&b, "%s_sum{outcome=%q} %.6f\n", t.name, t.outcome, t.sum)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(b.String()))
}

// labelString renders labels deterministically as k="v" pairs sorted by key.
func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}
