package fetch

import (
	"encoding/json"
	"slices"
	"sort"

	"github.com/gateway-fm/supplychain/internal/registry"
)

// Histogram counts reports per reliability level. Levels are whatever the
// contract reports; known levels only fix the display order.
type Histogram struct {
	counts map[string]int
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{counts: make(map[string]int)}
}

// Add counts one report at level.
func (h *Histogram) Add(level string) {
	if h.counts == nil {
		h.counts = make(map[string]int)
	}
	h.counts[level]++
}

// Count returns the number of reports at level.
func (h *Histogram) Count(level string) int { return h.counts[level] }

// Total returns the number of reports.
func (h *Histogram) Total() int {
	n := 0
	for _, c := range h.counts {
		n += c
	}
	return n
}

// Levels returns every known level followed by any other level seen, sorted.
func (h *Histogram) Levels() []string {
	levels := slices.Clone(registry.KnownLevels)
	var extra []string
	for level := range h.counts {
		if !slices.Contains(registry.KnownLevels, level) {
			extra = append(extra, level)
		}
	}
	sort.Strings(extra)
	return append(levels, extra...)
}

// Merge adds every count of other.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	for level, c := range other.counts {
		if h.counts == nil {
			h.counts = make(map[string]int)
		}
		h.counts[level] += c
	}
}

// MarshalJSON encodes the non-zero counts.
func (h *Histogram) MarshalJSON() ([]byte, error) {
	if h == nil || h.counts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h.counts)
}
