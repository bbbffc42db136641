package monitoring

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Counter is a named monotonic event counter. Stage components bump counters
// for recovered faults (blur assessor failures, OCR queue drops, lane frame
// drops) so operators can see degradation without scraping logs.
type Counter struct {
	name string
	n    atomic.Int64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) { c.n.Add(delta) }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.n.Add(1) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

// Name returns the counter's registered name.
func (c *Counter) Name() string { return c.name }

var (
	countersMu sync.Mutex
	counters   = map[string]*Counter{}
)

// GetCounter returns the counter registered under name, creating it on first use.
func GetCounter(name string) *Counter {
	countersMu.Lock()
	defer countersMu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	counters[name] = c
	return c
}

// Snapshot returns all registered counters and their values.
func Snapshot() map[string]int64 {
	countersMu.Lock()
	defer countersMu.Unlock()
	out := make(map[string]int64, len(counters))
	for name, c := range counters {
		out[name] = c.Value()
	}
	return out
}

// CounterNames returns the sorted names of all registered counters.
func CounterNames() []string {
	countersMu.Lock()
	defer countersMu.Unlock()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
