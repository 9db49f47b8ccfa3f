// Package metrics provides Prometheus collectors and the in-process
// statistics behind load-test summaries.
package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/supplychain/pkg/types"
)

// DefaultReservoirSize bounds the samples kept for percentiles.
const DefaultReservoirSize = 10000

// queryBuckets are the histogram bounds for reliability checks. A check is
// a confirmed transaction per dependency, so it takes seconds.
var queryBuckets = []struct {
	upperMs float64
	label   string
}{
	{1000, "0-1s"},
	{2000, "1-2s"},
	{5000, "2-5s"},
	{10000, "5-10s"},
	{math.Inf(1), "10s+"},
}

// StreamingLatencyStats summarizes latency samples in bounded memory: exact
// count, sum, min and max, a fixed histogram, and a uniform reservoir
// (Vitter's Algorithm R) for percentiles.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count    int64
	sum      float64
	min, max float64
	buckets  []int64

	reservoir []float64
	capacity  int
	rng       *rand.Rand
}

// NewStreamingLatencyStats creates an empty accumulator.
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return &StreamingLatencyStats{
		min:       math.MaxFloat64,
		buckets:   make([]int64, len(queryBuckets)),
		reservoir: make([]float64, 0, DefaultReservoirSize),
		capacity:  DefaultReservoirSize,
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
}

// Add records a sample in milliseconds. Safe for concurrent use.
func (s *StreamingLatencyStats) Add(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += ms
	s.min = min(s.min, ms)
	s.max = max(s.max, ms)

	for i, b := range queryBuckets {
		if ms < b.upperMs {
			s.buckets[i]++
			break
		}
	}

	if len(s.reservoir) < s.capacity {
		s.reservoir = append(s.reservoir, ms)
		return
	}
	if j := s.rng.Int64N(s.count); j < int64(s.capacity) {
		s.reservoir[j] = ms
	}
}

// AddDuration records a sample.
func (s *StreamingLatencyStats) AddDuration(d time.Duration) {
	s.Add(float64(d) / float64(time.Millisecond))
}

// GetStats returns the summary, or nil when nothing was recorded.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := slices.Clone(s.reservoir)
	slices.Sort(sorted)

	buckets := make([]types.LatencyBucket, len(queryBuckets))
	for i, b := range queryBuckets {
		buckets[i] = types.LatencyBucket{Label: b.label, Count: int(s.buckets[i])}
	}

	return &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P75:     percentile(sorted, 0.75),
		P90:     percentile(sorted, 0.90),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Buckets: buckets,
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

// Reset clears all samples.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min, s.max = math.MaxFloat64, 0
	s.reservoir = s.reservoir[:0]
	clear(s.buckets)
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
