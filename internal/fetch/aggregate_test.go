package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/supplychain/internal/deps"
	"github.com/gateway-fm/supplychain/internal/registry"
)

type version struct {
	cid, version, level string
}

// fakeSource is an in-memory ledger of projects and their versions.
type fakeSource struct {
	projects map[string][]version
	reports  []string
	reads    []string
}

func (f *fakeSource) find(cid string) (string, version, bool) {
	for project, versions := range f.projects {
		for _, v := range versions {
			if v.cid == cid {
				return project, v, true
			}
		}
	}
	return "", version{}, false
}

func (f *fakeSource) ProjectLastVersion(_ context.Context, project string) (string, error) {
	versions := f.projects[project]
	if len(versions) == 0 {
		return "", fmt.Errorf("getProjectLastVersion: %w", registry.ErrNotFound)
	}
	return versions[len(versions)-1].cid, nil
}

func (f *fakeSource) ProjectVersions(_ context.Context, project string) ([]string, error) {
	versions, ok := f.projects[project]
	if !ok {
		return nil, fmt.Errorf("getProjectVersions: %w", registry.ErrNotFound)
	}
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.cid
	}
	return out, nil
}

func (f *fakeSource) LibraryInformation(_ context.Context, cid string) (*registry.LibraryInfo, error) {
	f.reads = append(f.reads, cid)
	project, v, ok := f.find(cid)
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &registry.LibraryInfo{CID: cid, Project: project, Version: v.version}, nil
}

func (f *fakeSource) LibraryReport(_ context.Context, cid string) (*registry.LibraryReport, error) {
	f.reports = append(f.reports, cid)
	project, v, ok := f.find(cid)
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &registry.LibraryReport{CID: cid, Project: project, Version: v.version, Reliability: big.NewInt(1), Level: v.level}, nil
}

func newSource() *fakeSource {
	return &fakeSource{projects: map[string][]version{
		"root": {{"r1", "0.9.0", "Low"}, {"r2", "1.0.0", "High"}},
		"x":    {{"x1", "1.1.0", "Low"}, {"x2", "1.2.0", "Medium"}, {"x3", "1.3.0", "High"}},
		"y":    {{"y1", "2.0.0", "Very High"}},
	}}
}

func TestCheckMatchesNormalizedVersions(t *testing.T) {
	src := newSource()
	agg := NewAggregator(AggregatorConfig{Resolver: deps.Static{
		"root": {{Name: "x", Range: "^1.2.0"}, {Name: "y", Range: "2.0.0"}},
	}})

	rep, err := agg.Check(context.Background(), src, "root")
	require.NoError(t, err)

	assert.Equal(t, "r2", rep.RootCID)
	assert.Equal(t, "High", rep.Root.Level)
	require.Len(t, rep.Dependencies, 2)
	assert.Equal(t, "x2", rep.Dependencies[0].Report.CID)
	assert.Equal(t, "1.2.0", rep.Dependencies[0].Version)
	assert.Equal(t, "y1", rep.Dependencies[1].Report.CID)

	// One report per dependency plus the root, nothing for unmatched versions.
	assert.Equal(t, []string{"r2", "x2", "y1"}, src.reports)
	assert.Equal(t, 3, rep.Histogram.Total())
	assert.Equal(t, 1, rep.Histogram.Count("High"))
	assert.Equal(t, 1, rep.Histogram.Count("Medium"))
	assert.Equal(t, 1, rep.Histogram.Count("Very High"))
}

func TestCheckUnmatchedDependency(t *testing.T) {
	src := newSource()
	agg := NewAggregator(AggregatorConfig{Resolver: deps.Static{
		"root": {{Name: "x", Range: "~9.9.9"}, {Name: "unknown", Range: "1.0.0"}, {Name: "y", Range: "^2.0.0"}},
	}})

	rep, err := agg.Check(context.Background(), src, "root")
	require.NoError(t, err)
	require.Len(t, rep.Dependencies, 3)

	assert.False(t, rep.Dependencies[0].Matched())
	assert.ErrorIs(t, rep.Dependencies[0].Err, ErrNoMatchingVersion)
	assert.False(t, rep.Dependencies[1].Matched())
	assert.ErrorIs(t, rep.Dependencies[1].Err, registry.ErrNotFound)
	assert.True(t, rep.Dependencies[2].Matched())
	assert.Equal(t, 2, rep.Histogram.Total())
}

func TestCheckUnknownPackage(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	_, err := agg.Check(context.Background(), newSource(), "nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (deps.Dependencies, error) {
	return nil, errors.New("exec: npm-remote-ls: not found")
}

func TestCheckResolverFailureDegrades(t *testing.T) {
	src := newSource()
	agg := NewAggregator(AggregatorConfig{Resolver: failingResolver{}})

	rep, err := agg.Check(context.Background(), src, "root")
	require.NoError(t, err)
	assert.Empty(t, rep.Dependencies)
	assert.Equal(t, 1, rep.Histogram.Total())
}

func TestCheckReportEveryVersion(t *testing.T) {
	src := newSource()
	var counted []string
	agg := NewAggregator(AggregatorConfig{
		Resolver:           deps.Static{"root": {{Name: "x", Range: "^1.2.0"}}},
		ReportEveryVersion: true,
		OnReport:           func(r *registry.LibraryReport) { counted = append(counted, r.CID) },
	})

	rep, err := agg.Check(context.Background(), src, "root")
	require.NoError(t, err)
	assert.Equal(t, "x2", rep.Dependencies[0].Report.CID)
	assert.Equal(t, []string{"r2", "x1", "x2"}, src.reports)
	assert.Empty(t, src.reads)
	assert.Equal(t, []string{"r2", "x2"}, counted)
}

func TestHistogramLevels(t *testing.T) {
	h := NewHistogram()
	h.Add("High")
	h.Add("Exceptional")
	h.Add("Abysmal")
	h.Add("High")

	assert.Equal(t,
		[]string{"Very Low", "Low", "Medium", "High", "Very High", "Abysmal", "Exceptional"},
		h.Levels())
	assert.Equal(t, 2, h.Count("High"))
	assert.Equal(t, 0, h.Count("Low"))
	assert.Equal(t, 4, h.Total())

	other := NewHistogram()
	other.Add("Low")
	h.Merge(other)
	assert.Equal(t, 5, h.Total())

	var zero Histogram
	zero.Add("Medium")
	assert.Equal(t, 1, zero.Count("Medium"))
}
