package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/supplychain/internal/deps"
	"github.com/gateway-fm/supplychain/internal/registry"
)

// ErrNoMatchingVersion means none of a dependency's on-ledger versions equals
// its normalized declared version.
var ErrNoMatchingVersion = errors.New("no matching version on ledger")

// ReportSource is the ledger surface the aggregator needs. A registry.Session
// satisfies it.
type ReportSource interface {
	ProjectLastVersion(ctx context.Context, project string) (string, error)
	ProjectVersions(ctx context.Context, project string) ([]string, error)
	LibraryInformation(ctx context.Context, cid string) (*registry.LibraryInfo, error)
	LibraryReport(ctx context.Context, cid string) (*registry.LibraryReport, error)
}

// DependencyReport is the outcome for one declared dependency.
type DependencyReport struct {
	Name    string                  `json:"name"`
	Range   string                  `json:"range"`
	Version string                  `json:"version"`
	Report  *registry.LibraryReport `json:"report,omitempty"`
	Err     error                   `json:"-"`
}

// Matched reports whether a ledger version matched and was reported.
func (d DependencyReport) Matched() bool { return d.Report != nil }

// ReliabilityReport is the reliability picture of a package and its direct
// dependencies.
type ReliabilityReport struct {
	Package      string                  `json:"package"`
	RootCID      string                  `json:"rootCid"`
	Root         *registry.LibraryReport `json:"root"`
	Dependencies []DependencyReport      `json:"dependencies"`
	Histogram    *Histogram              `json:"histogram"`
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Resolver deps.Resolver
	// ReportEveryVersion submits a report for every on-ledger version of a
	// dependency until one matches, instead of reading version records first.
	// Each report is a transaction, so this is only useful to generate load.
	ReportEveryVersion bool
	// OnReport is called for every counted report. Optional.
	OnReport func(*registry.LibraryReport)
	Logger   *slog.Logger
}

// Aggregator builds reliability reports.
type Aggregator struct {
	resolver deps.Resolver
	everyVer bool
	onReport func(*registry.LibraryReport)
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		resolver: cfg.Resolver,
		everyVer: cfg.ReportEveryVersion,
		onReport: cfg.OnReport,
		logger:   logger,
	}
}

// Check reports on the latest version of name and on the ledger version of
// each declared dependency that matches its normalized range. Dependency
// failures are recorded on the dependency; only a failure on the root is
// returned as an error.
func (a *Aggregator) Check(ctx context.Context, src ReportSource, name string) (*ReliabilityReport, error) {
	rootCID, err := src.ProjectLastVersion(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("last version of %s: %w", name, err)
	}
	root, err := src.LibraryReport(ctx, rootCID)
	if err != nil {
		return nil, fmt.Errorf("report on %s: %w", rootCID, err)
	}

	report := &ReliabilityReport{
		Package:   name,
		RootCID:   rootCID,
		Root:      root,
		Histogram: NewHistogram(),
	}
	a.count(report.Histogram, root)

	var declared deps.Dependencies
	if a.resolver != nil {
		declared, err = a.resolver.Resolve(ctx, name)
		if err != nil {
			a.logger.Warn("dependency resolution failed, continuing without dependencies",
				slog.String("package", name),
				slog.String("error", err.Error()),
			)
			declared = nil
		}
	}

	for _, dep := range declared {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		dr := DependencyReport{Name: dep.Name, Range: dep.Range, Version: dep.Version()}
		dr.Report, dr.Err = a.match(ctx, src, dr.Name, dr.Version)
		if dr.Report != nil {
			a.count(report.Histogram, dr.Report)
		} else {
			a.logger.Debug("dependency not reported",
				slog.String("package", name),
				slog.String("dependency", dr.Name),
				slog.String("version", dr.Version),
				slog.String("error", errString(dr.Err)),
			)
		}
		report.Dependencies = append(report.Dependencies, dr)
	}
	return report, nil
}

func (a *Aggregator) match(ctx context.Context, src ReportSource, project, version string) (*registry.LibraryReport, error) {
	versions, err := src.ProjectVersions(ctx, project)
	if err != nil {
		return nil, err
	}
	for _, cid := range versions {
		if a.everyVer {
			rep, err := src.LibraryReport(ctx, cid)
			if err != nil {
				return nil, err
			}
			if rep.Version == version {
				return rep, nil
			}
			continue
		}

		info, err := src.LibraryInformation(ctx, cid)
		if err != nil {
			return nil, err
		}
		if info.Version == version {
			return src.LibraryReport(ctx, cid)
		}
	}
	return nil, fmt.Errorf("%s@%s: %w", project, version, ErrNoMatchingVersion)
}

func (a *Aggregator) count(h *Histogram, rep *registry.LibraryReport) {
	h.Add(rep.Level)
	if a.onReport != nil {
		a.onReport(rep)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
