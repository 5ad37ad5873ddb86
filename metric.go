package csprof

import "sync"

// MetricKind classifies how a metric's value relates to the call tree
// (§3.5): INCLUSIVE values include descendants, EXCLUSIVE values don't, and
// DERIVED values are computed from other metrics during post-processing.
type MetricKind uint8

const (
	MetricExclusive MetricKind = iota
	MetricInclusive
	MetricDerived
)

// MetricFlags is a bitmask on a metric descriptor (§3.5).
type MetricFlags uint32

const (
	// MetricAsynchronous marks a metric collected by an asynchronous
	// mechanism (a timer signal), as opposed to synchronously inline with
	// the event it measures.
	MetricAsynchronous MetricFlags = 1 << iota
	// MetricCountsEvents marks a metric whose accumulator counts raw
	// events rather than samples (i.e. period-scaled).
	MetricCountsEvents
)

// MetricDescriptor names one slot in every CCT node's accumulator vector.
type MetricDescriptor struct {
	Name   string
	Period uint64
	Flags  MetricFlags
	Kind   MetricKind
	Index  int
}

// DefaultMaxMetrics is the default upper bound on metric-vector width
// (PROF_MAX_METRICS, §6.2).
const DefaultMaxMetrics = 5

// MetricTable is the process-wide, write-once-before-sampling-begins
// ordered list of metric descriptors (C3). Per-node metric vectors are laid
// out as a plain []uint64 of this table's length so accumulator access
// stays a single slice index, keeping it cache-local next to the rest of
// the node.
type MetricTable struct {
	mu      sync.Mutex
	max     int
	descs   []MetricDescriptor
	started bool
}

// NewMetricTable constructs an empty table that will accept at most max
// metrics. max must be between 0 and 10 inclusive per §6.2's PROF_MAX_METRICS
// range; callers validate that via Config, not here.
func NewMetricTable(max int) *MetricTable {
	return &MetricTable{max: max}
}

// NewMetric allocates the next slot and returns its index. Panics if called
// after sampling has started (Freeze) or if the table is already full.
func (t *MetricTable) NewMetric() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		panic("csprof: NewMetric called after the metric table was frozen")
	}
	if len(t.descs) >= t.max {
		panic("csprof: metric table exhausted (PROF_MAX_METRICS)")
	}
	idx := len(t.descs)
	t.descs = append(t.descs, MetricDescriptor{Index: idx})
	return idx
}

// SetInfo configures a previously allocated slot.
func (t *MetricTable) SetInfo(id int, name string, flags MetricFlags, period uint64, kind MetricKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &t.descs[id]
	d.Name = name
	d.Flags = flags
	d.Period = period
	d.Kind = kind
}

// Freeze marks the table immutable. Called once sampling begins; after this
// no further synchronization is needed to read the table.
func (t *MetricTable) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
}

// Len returns the number of registered metrics.
func (t *MetricTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.descs)
}

// Descriptors returns a copy of the registered descriptors, in index order.
func (t *MetricTable) Descriptors() []MetricDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MetricDescriptor, len(t.descs))
	copy(out, t.descs)
	return out
}
