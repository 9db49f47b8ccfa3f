package loadtest

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/deps"
	"github.com/gateway-fm/supplychain/internal/fetch"
	"github.com/gateway-fm/supplychain/pkg/types"
)

//go:embed fixtures/*.js
var fixtures embed.FS

// Fixture project names used by the reliability script.
const (
	FixtureLibrary   = "print_hi"
	FixtureDependent = "print_hi_n_times"
	fixtureVersion   = "1.0.0"
)

// FixtureResolver declares the fixture dependency edge, standing in for the
// package index the fixtures are not published to.
func FixtureResolver() deps.Resolver {
	return deps.Static{
		FixtureDependent: {{Name: FixtureLibrary, Range: "^" + fixtureVersion}},
	}
}

// Params sizes a script.
type Params struct {
	Queries  int      // reliability checks per worker
	Groups   int      // groups per worker
	Projects int      // projects per worker
	Tokens   *big.Int // wei paid for registry tokens at registration
}

// DefaultParams returns the stock script sizes.
func DefaultParams() Params {
	return Params{Queries: 2, Groups: 1, Projects: 2, Tokens: big.NewInt(100000)}
}

// Env is what a script step gets to work with.
type Env struct {
	Worker     int
	Ledger     Ledger
	Store      artifact.Store
	Aggregator *fetch.Aggregator
	Params     Params
	// ObserveQuery records the duration of one reliability check.
	ObserveQuery func(time.Duration)
	Logger       *slog.Logger
}

// Script is one load-test scenario.
type Script interface {
	Name() types.Script
	// Setup runs on worker 0 only, before any worker starts Prepare.
	Setup(ctx context.Context, env *Env) error
	// Prepare runs untimed on every worker.
	Prepare(ctx context.Context, env *Env) error
	// Run is the timed phase.
	Run(ctx context.Context, env *Env) error
}

// NewScript returns the script registered under name.
func NewScript(name types.Script) (Script, error) {
	switch name {
	case types.ScriptGroups:
		return groupsScript{}, nil
	case types.ScriptProjects:
		return projectsScript{}, nil
	case types.ScriptReliability:
		return reliabilityScript{}, nil
	default:
		return nil, fmt.Errorf("unknown script %q", name)
	}
}

func groupName(worker, i int) string { return fmt.Sprintf("group%d_%d", worker, i) }

type groupsScript struct{}

func (groupsScript) Name() types.Script { return types.ScriptGroups }
func (groupsScript) Setup(context.Context, *Env) error { return nil }
func (groupsScript) Prepare(context.Context, *Env) error { return nil }

func (groupsScript) Run(ctx context.Context, env *Env) error {
	for i := 0; i < env.Params.Groups; i++ {
		if _, err := env.Ledger.CreateGroup(ctx, groupName(env.Worker, i)); err != nil {
			return fmt.Errorf("create %s: %w", groupName(env.Worker, i), err)
		}
	}
	return nil
}

type projectsScript struct{}

func (projectsScript) Name() types.Script { return types.ScriptProjects }
func (projectsScript) Setup(context.Context, *Env) error { return nil }

func (projectsScript) Prepare(ctx context.Context, env *Env) error {
	if _, err := env.Ledger.CreateGroup(ctx, groupName(env.Worker, 0)); err != nil {
		return fmt.Errorf("create %s: %w", groupName(env.Worker, 0), err)
	}
	return nil
}

func (projectsScript) Run(ctx context.Context, env *Env) error {
	group := groupName(env.Worker, 0)
	for i := 0; i < env.Params.Projects; i++ {
		name := fmt.Sprintf("project%d_%d", env.Worker, i)
		if _, err := env.Ledger.CreateProject(ctx, group, name); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}
	return nil
}

type reliabilityScript struct{}

func (reliabilityScript) Name() types.Script { return types.ScriptReliability }
func (reliabilityScript) Prepare(context.Context, *Env) error { return nil }

// Setup publishes the two fixture libraries, the second depending on the
// first.
func (reliabilityScript) Setup(ctx context.Context, env *Env) error {
	group := groupName(env.Worker, 0)
	if _, err := env.Ledger.CreateGroup(ctx, group); err != nil {
		return fmt.Errorf("create %s: %w", group, err)
	}
	for _, project := range []string{FixtureLibrary, FixtureDependent} {
		if _, err := env.Ledger.CreateProject(ctx, group, project); err != nil {
			return fmt.Errorf("create %s: %w", project, err)
		}
	}

	libCID, err := publishFixture(ctx, env, FixtureLibrary, nil)
	if err != nil {
		return err
	}
	_, err = publishFixture(ctx, env, FixtureDependent, []string{libCID})
	return err
}

func publishFixture(ctx context.Context, env *Env, project string, dependencies []string) (string, error) {
	data, err := fixtures.ReadFile("fixtures/" + project + ".js")
	if err != nil {
		return "", err
	}
	cid, err := env.Store.Upload(ctx, data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", project, err)
	}
	if _, err := env.Ledger.AddLibrary(ctx, project, cid, fixtureVersion, dependencies); err != nil {
		return "", fmt.Errorf("add library %s: %w", project, err)
	}
	env.Logger.Info("fixture published",
		slog.Int("worker", env.Worker),
		slog.String("project", project),
		slog.String("cid", cid),
	)
	return cid, nil
}

func (reliabilityScript) Run(ctx context.Context, env *Env) error {
	for i := 0; i < env.Params.Queries; i++ {
		start := time.Now()
		rep, err := env.Aggregator.Check(ctx, env.Ledger, FixtureDependent)
		if err != nil {
			return fmt.Errorf("reliability check %d: %w", i, err)
		}
		if env.ObserveQuery != nil {
			env.ObserveQuery(time.Since(start))
		}
		env.Logger.Debug("reliability check",
			slog.Int("worker", env.Worker),
			slog.String("version", rep.Root.Version),
			slog.String("level", rep.Root.Level),
			slog.Int("reports", rep.Histogram.Total()),
		)
	}
	return nil
}
