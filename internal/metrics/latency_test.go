package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestStreamingLatencyStats(t *testing.T) {
	s := NewStreamingLatencyStats()
	if s.GetStats() != nil {
		t.Fatal("GetStats() on empty collector = non-nil, want nil")
	}

	for i := 0; i < 100; i++ {
		s.Add(float64(i))
	}
	stats := s.GetStats()
	if stats == nil {
		t.Fatal("GetStats() = nil")
	}

	tests := []struct {
		name string
		got  float64
		want float64
		tol  float64
	}{
		{"count", float64(stats.Count), 100, 0},
		{"min", stats.Min, 0, 0},
		{"max", stats.Max, 99, 0},
		{"avg", stats.Avg, 49.5, 0.01},
		{"p50", stats.P50, 49.5, 0.01},
		{"p99", stats.P99, 98.01, 0.01},
	}
	for _, tt := range tests {
		if math.Abs(tt.got-tt.want) > tt.tol {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestStreamingLatencyStatsBuckets(t *testing.T) {
	s := NewStreamingLatencyStats()
	samples := []time.Duration{
		400 * time.Millisecond,
		999 * time.Millisecond,
		time.Second,
		1500 * time.Millisecond,
		3 * time.Second,
		7 * time.Second,
		80 * time.Second, // one confirmation timeout
	}
	for _, d := range samples {
		s.AddDuration(d)
	}

	want := []struct {
		label string
		count int
	}{
		{"0-1s", 2}, {"1-2s", 2}, {"2-5s", 1}, {"5-10s", 1}, {"10s+", 1},
	}
	got := s.GetStats().Buckets
	if len(got) != len(want) {
		t.Fatalf("len(Buckets) = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Label != w.label || got[i].Count != w.count {
			t.Errorf("Buckets[%d] = %+v, want %s:%d", i, got[i], w.label, w.count)
		}
	}
}

func TestStreamingLatencyStatsReservoirIsBounded(t *testing.T) {
	s := NewStreamingLatencyStats()
	n := DefaultReservoirSize * 3
	for i := 0; i < n; i++ {
		s.Add(float64(i % 1000))
	}

	if got := len(s.reservoir); got != DefaultReservoirSize {
		t.Errorf("len(reservoir) = %d, want %d", got, DefaultReservoirSize)
	}
	stats := s.GetStats()
	if stats.Count != n {
		t.Errorf("Count = %d, want %d", stats.Count, n)
	}
	// Uniform over [0, 1000): the sampled median lands near 500.
	if math.Abs(stats.P50-500) > 50 {
		t.Errorf("P50 = %v, want ~500", stats.P50)
	}
}

func TestStreamingLatencyStatsConcurrent(t *testing.T) {
	s := NewStreamingLatencyStats()

	const goroutines, perGoroutine = 10, 1000
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				s.Add(float64(id*100 + j%100))
			}
		}(i)
	}
	wg.Wait()

	if got := s.Count(); got != goroutines*perGoroutine {
		t.Errorf("Count() = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestStreamingLatencyStatsReset(t *testing.T) {
	s := NewStreamingLatencyStats()
	for i := 0; i < 100; i++ {
		s.Add(float64(i))
	}
	s.Reset()

	if s.GetStats() != nil {
		t.Error("GetStats() after Reset = non-nil, want nil")
	}
	if s.Count() != 0 {
		t.Errorf("Count() after Reset = %d, want 0", s.Count())
	}

	s.Add(5)
	if stats := s.GetStats(); stats.Min != 5 || stats.Max != 5 {
		t.Errorf("after Reset min/max = %v/%v, want 5/5", stats.Min, stats.Max)
	}
}

func BenchmarkStreamingLatencyStats_Add(b *testing.B) {
	s := NewStreamingLatencyStats()
	for i := 0; i < b.N; i++ {
		s.Add(float64(i % 1000))
	}
}
