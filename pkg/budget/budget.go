// Package budget tracks memory usage for the page cache and other
// components that hold pages in memory, and signals pressure so callers
// can shrink their working set before hitting a hard limit.
package budget

import (
	"sort"
	"sync"
	"time"
)

// DefaultLimit is the default memory budget (256MB).
const DefaultLimit = int64(256 * 1024 * 1024)

// DefaultPressureThreshold is the fraction of the limit at which pressure
// is signaled.
const DefaultPressureThreshold = 0.8

// Priority is the eviction priority of a tracked item: lower priorities
// are evicted first.
type Priority int

const (
	PriorityCold Priority = iota
	PriorityWarm
	PriorityHot
)

// ItemInfo describes a single tracked item.
type ItemInfo struct {
	Key         string
	Size        int64
	Priority    Priority
	AccessCount int64
	LastAccess  time.Time
}

// Stats is a point-in-time snapshot of tracker state.
type Stats struct {
	Limit           int64
	TotalUsage      int64
	ComponentUsage  map[string]int64
	IsUnderPressure bool
	IsExceeded      bool
}

// PressureCallback fires once when usage crosses the pressure threshold.
type PressureCallback func(currentUsage, limit int64)

// Tracker accounts memory usage across named components (e.g. one per
// tree) against a shared limit.
type Tracker struct {
	mu                sync.RWMutex
	limit             int64
	pressureThreshold float64
	totalUsage        int64
	componentUsage    map[string]int64
	items             map[string]map[string]*ItemInfo
	pressureCallback  PressureCallback
	wasUnderPressure  bool
}

// New creates a Tracker with the given limit; a non-positive limit falls
// back to DefaultLimit.
func New(limit int64) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Tracker{
		limit:             limit,
		pressureThreshold: DefaultPressureThreshold,
		componentUsage:    make(map[string]int64),
		items:             make(map[string]map[string]*ItemInfo),
	}
}

func (t *Tracker) Limit() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limit
}

func (t *Tracker) SetLimit(limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit = limit
}

func (t *Tracker) SetPressureThreshold(threshold float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	t.pressureThreshold = threshold
}

// RegisterComponent pre-creates bookkeeping for a named component.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.componentUsage[name]; !ok {
		t.componentUsage[name] = 0
		t.items[name] = make(map[string]*ItemInfo)
	}
}

// Track adds bytes of usage to component, without per-item tracking.
func (t *Tracker) Track(component string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.componentUsage[component] += bytes
	t.totalUsage += bytes
	t.checkPressure()
}

// Release removes up to bytes of usage from component.
func (t *Tracker) Release(component string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.componentUsage[component]
	if bytes > usage {
		bytes = usage
	}
	t.componentUsage[component] -= bytes
	t.totalUsage -= bytes
	if t.totalUsage < 0 {
		t.totalUsage = 0
	}
}

// TrackItem tracks a single keyed item (e.g. one cached page) for
// priority-based eviction.
func (t *Tracker) TrackItem(component, key string, bytes int64, priority Priority) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.items[component] == nil {
		t.items[component] = make(map[string]*ItemInfo)
	}

	t.items[component][key] = &ItemInfo{
		Key:        key,
		Size:       bytes,
		Priority:   priority,
		LastAccess: time.Now(),
	}

	t.componentUsage[component] += bytes
	t.totalUsage += bytes
	t.checkPressure()
}

// ReleaseItem releases a single tracked item.
func (t *Tracker) ReleaseItem(component, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, ok := t.items[component]
	if !ok {
		return
	}
	info, ok := items[key]
	if !ok {
		return
	}
	t.componentUsage[component] -= info.Size
	t.totalUsage -= info.Size
	delete(items, key)
}

// RecordAccess bumps an item's access count and promotes its priority.
func (t *Tracker) RecordAccess(component, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, ok := t.items[component]
	if !ok {
		return
	}
	info, ok := items[key]
	if !ok {
		return
	}
	info.AccessCount++
	info.LastAccess = time.Now()
	if info.AccessCount >= 10 && info.Priority < PriorityHot {
		info.Priority = PriorityHot
	} else if info.AccessCount >= 3 && info.Priority < PriorityWarm {
		info.Priority = PriorityWarm
	}
}

// EvictionCandidates returns keys from component to evict, cold and
// least-recently-used first, until bytesNeeded would be freed.
func (t *Tracker) EvictionCandidates(component string, bytesNeeded int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	items, ok := t.items[component]
	if !ok || len(items) == 0 {
		return nil
	}

	type entry struct {
		key  string
		info *ItemInfo
	}
	sorted := make([]entry, 0, len(items))
	for key, info := range items {
		sorted = append(sorted, entry{key, info})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].info.Priority != sorted[j].info.Priority {
			return sorted[i].info.Priority < sorted[j].info.Priority
		}
		return sorted[i].info.LastAccess.Before(sorted[j].info.LastAccess)
	})

	var candidates []string
	var freed int64
	for _, e := range sorted {
		if freed >= bytesNeeded {
			break
		}
		candidates = append(candidates, e.key)
		freed += e.info.Size
	}
	return candidates
}

func (t *Tracker) TotalUsage() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalUsage
}

func (t *Tracker) ComponentUsage(component string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.componentUsage[component]
}

func (t *Tracker) IsUnderPressure() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return float64(t.totalUsage) >= float64(t.limit)*t.pressureThreshold
}

func (t *Tracker) IsExceeded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalUsage > t.limit
}

// OnPressure registers a callback fired once on transition into pressure.
func (t *Tracker) OnPressure(cb PressureCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pressureCallback = cb
}

func (t *Tracker) checkPressure() {
	underPressure := float64(t.totalUsage) >= float64(t.limit)*t.pressureThreshold
	if underPressure && !t.wasUnderPressure && t.pressureCallback != nil {
		cb := t.pressureCallback
		usage, limit := t.totalUsage, t.limit
		t.wasUnderPressure = true
		go cb(usage, limit)
	} else if !underPressure {
		t.wasUnderPressure = false
	}
}

// Stats returns a snapshot of current usage.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	usage := make(map[string]int64, len(t.componentUsage))
	for k, v := range t.componentUsage {
		usage[k] = v
	}

	return Stats{
		Limit:           t.limit,
		TotalUsage:      t.totalUsage,
		ComponentUsage:  usage,
		IsUnderPressure: float64(t.totalUsage) >= float64(t.limit)*t.pressureThreshold,
		IsExceeded:      t.totalUsage > t.limit,
	}
}
