package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/gateway-fm/supplychain/pkg/types"
)

type valueAcc struct {
	count int
	min   uint64
	max   uint64
	sum   float64
}

func (a *valueAcc) add(v uint64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.count++
	a.sum += float64(v)
}

func (a *valueAcc) merge(b valueAcc) {
	if b.count == 0 {
		return
	}
	if a.count == 0 || b.min < a.min {
		a.min = b.min
	}
	if b.max > a.max {
		a.max = b.max
	}
	a.count += b.count
	a.sum += b.sum
}

func (a valueAcc) stats() types.ValueStats {
	if a.count == 0 {
		return types.ValueStats{}
	}
	return types.ValueStats{
		Count: a.count,
		Min:   a.min,
		Max:   a.max,
		Mean:  math.Round(a.sum/float64(a.count)*100) / 100,
	}
}

type opAcc struct {
	gas   valueAcc
	price valueAcc
}

// GasStats accumulates gas used and effective gas price per operation tag.
// Safe for concurrent use.
type GasStats struct {
	mu  sync.Mutex
	ops map[string]*opAcc
}

// NewGasStats returns an empty accumulator.
func NewGasStats() *GasStats {
	return &GasStats{ops: make(map[string]*opAcc)}
}

func (g *GasStats) op(name string) *opAcc {
	if g.ops == nil {
		g.ops = make(map[string]*opAcc)
	}
	acc, ok := g.ops[name]
	if !ok {
		acc = &opAcc{}
		g.ops[name] = acc
	}
	return acc
}

// Add records one confirmed transaction.
func (g *GasStats) Add(op string, gasUsed, gasPrice uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acc := g.op(op)
	acc.gas.add(gasUsed)
	acc.price.add(gasPrice)
}

// Merge adds every sample of other.
func (g *GasStats) Merge(other *GasStats) {
	if other == nil || other == g {
		return
	}
	other.mu.Lock()
	snapshot := make(map[string]opAcc, len(other.ops))
	for name, acc := range other.ops {
		snapshot[name] = *acc
	}
	other.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, acc := range snapshot {
		dst := g.op(name)
		dst.gas.merge(acc.gas)
		dst.price.merge(acc.price)
	}
}

// Count returns the number of samples recorded.
func (g *GasStats) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, acc := range g.ops {
		n += acc.gas.count
	}
	return n
}

// Stats returns per-operation statistics sorted by operation.
func (g *GasStats) Stats() []types.OperationStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]types.OperationStats, 0, len(g.ops))
	for name, acc := range g.ops {
		out = append(out, types.OperationStats{
			Op:       name,
			GasUsed:  acc.gas.stats(),
			GasPrice: acc.price.stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}
