package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names observed by the turn pipeline.
const (
	StageBrainRoundTrip = "brain_round_trip"
	StageToolExec       = "tool_exec"
	StageTurnTotal      = "turn_total"
)

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]float64{
	StageBrainRoundTrip: 2500,
	StageToolExec:       50,
	StageTurnTotal:      8000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is the payload of the perf endpoint.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing keeps the latest samples of one stage.
type stageRing struct {
	samples []float64
	pos     int
	full    bool
}

func (r *stageRing) add(ms float64) {
	r.samples[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *stageRing) last() float64 {
	i := r.pos - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i]
}

func (r *stageRing) sorted() []float64 {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	out := slices.Clone(r.samples[:n])
	slices.Sort(out)
	return out
}

// turnStageWindow holds rolling latency samples per stage and plain counters
// for notable turn outcomes.
type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:       size,
		rings:      make(map[string]*stageRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &stageRing{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		values := r.sorted()
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		st := TurnStageStats{
			Stage:       stage,
			Samples:     len(values),
			LastMS:      round2(r.last()),
			AvgMS:       round2(sum / float64(len(values))),
			P50MS:       round2(percentile(values, 0.50)),
			P95MS:       round2(percentile(values, 0.95)),
			P99MS:       round2(percentile(values, 0.99)),
			TargetP95MS: stageTargets[stage],
		}
		st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		snap.Stages = append(snap.Stages, st)
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
		}
	}
	return snap
}

// Reset drops all samples and counters.
func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.rings = make(map[string]*stageRing)
	w.indicators = make(map[string]int)
	w.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(rank)), int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
