package cli

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/fetch"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/sender"
)

const dateLayout = "2006-01-02 15:04:05"

// Queries is the read-only registry surface. *registry.Registry satisfies it.
type Queries interface {
	DeveloperInfo(ctx context.Context, dev common.Address) (*registry.Developer, error)
	DeveloperAddress(ctx context.Context, email string) (common.Address, error)
	DevelopersCount(ctx context.Context) (*big.Int, error)
	GroupsCount(ctx context.Context) (*big.Int, error)
	ProjectsCount(ctx context.Context) (*big.Int, error)
	Groups(ctx context.Context, dev common.Address) ([]string, error)
	GroupProjects(ctx context.Context, group string) ([]string, error)
	GroupAccessRequests(ctx context.Context, dev common.Address) ([]string, error)
	PendingApprovals(ctx context.Context, group string) ([]common.Address, error)
	ProjectVersions(ctx context.Context, project string) ([]string, error)
	ProjectLastVersion(ctx context.Context, project string) (string, error)
	LibraryInformation(ctx context.Context, cid string) (*registry.LibraryInfo, error)
	TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Transactor is the state-changing registry surface bound to the user's
// account. *registry.Session satisfies it.
type Transactor interface {
	fetch.ReportSource
	AddDeveloper(ctx context.Context, email string) (*sender.Receipt, error)
	CreateGroup(ctx context.Context, name string) (*sender.Receipt, error)
	CreateProject(ctx context.Context, group, name string) (*sender.Receipt, error)
	AddLibrary(ctx context.Context, project, cid, version string, deps []string) (*sender.Receipt, error)
	RequestGroupAccess(ctx context.Context, group string) (*sender.Receipt, error)
	AcceptGroupRequest(ctx context.Context, group string, dev common.Address) (*sender.Receipt, error)
	RemoveDeveloperFromGroup(ctx context.Context, group string, dev common.Address) (*sender.Receipt, error)
	VoteDeveloper(ctx context.Context, dev common.Address) (*sender.Receipt, error)
	ReportDeveloper(ctx context.Context, dev common.Address) (*sender.Receipt, error)
	UpdateReliability(ctx context.Context) (*sender.Receipt, error)
	ChangeAdmin(ctx context.Context, newAdmin common.Address, group string) (*sender.Receipt, error)
	BuyTokens(ctx context.Context, value *big.Int) (*sender.Receipt, error)
	BuyReliability(ctx context.Context, amount *big.Int) (*sender.Receipt, error)
}

var (
	_ Queries    = (*registry.Registry)(nil)
	_ Transactor = (*registry.Session)(nil)
)

// Env is what the default commands operate on.
type Env struct {
	Queries    Queries
	Tx         Transactor
	Store      artifact.Store
	Walker     *fetch.Walker
	Aggregator *fetch.Aggregator
	// ReadFile loads files to upload. Defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// DefaultCommands registers the full registry client menu.
func DefaultCommands(env *Env) *Registry {
	if env.ReadFile == nil {
		env.ReadFile = os.ReadFile
	}
	c := &commands{env: env}
	reg := NewRegistry()
	reg.MustRegister(
		Command{"1", "Register as a developer", c.addDeveloper},
		Command{"2", "Create a group", c.createGroup},
		Command{"3", "Create a project", c.createProject},
		Command{"4", "Add a version of a library to a project", c.addLibrary},
		Command{"5", "Get information about a developer", c.developerInfo},
		Command{"6", "Get the address of a developer from the email", c.developerAddress},
		Command{"7", "Get the number of developers", c.count("developer", "developers", env.Queries.DevelopersCount)},
		Command{"8", "Get the number of groups", c.count("group", "groups", env.Queries.GroupsCount)},
		Command{"9", "Get the number of projects", c.count("project", "projects", env.Queries.ProjectsCount)},
		Command{"10", "Get groups that a developer is a member of", c.groups("is part of")},
		// The contract keeps one group list per developer; admin groups
		// are not tracked separately.
		Command{"11", "Get groups that a developer is an admin of", c.groups("is admin of")},
		Command{"12", "Get the projects of a group", c.groupProjects},
		Command{"13", "Get the group requests of a developer", c.groupRequests},
		Command{"14", "Get the developers that requested to join a group", c.pendingApprovals},
		Command{"15", "Get the versions of a library in a project", c.projectVersions},
		Command{"16", "Get the last version of a library in a project", c.lastVersion},
		Command{"17", "Get information about a library", c.libraryInfo},
		Command{"18", "Download a library", c.download},
		Command{"19", "Request to join a group", c.requestAccess},
		Command{"20", "Accept the join request of a developer", c.acceptRequest},
		Command{"21", "Vote a developer", c.vote},
		Command{"22", "Report a developer", c.report},
		Command{"23", "Check the dependencies of a library and their reliability", c.checkDependencies},
		Command{"24", "Update your reliability", c.updateReliability},
		Command{"25", "Appoint another developer as admin", c.changeAdmin},
		Command{"26", "Buy tokens", c.buyTokens},
		Command{"27", "Buy reliability", c.buyReliability},
		Command{"28", "Get the number of tokens of a developer", c.tokenBalance},
		Command{"29", "Remove a developer from a group", c.removeDeveloper},
	)
	return reg
}

type commands struct {
	env *Env
}

func askAddress(p *Prompter, question string) (common.Address, error) {
	s, err := p.Ask(question)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, invalid("address", nil)
	}
	return common.HexToAddress(s), nil
}

func askAmount(p *Prompter, question, what string) (*big.Int, error) {
	s, err := p.Ask(question)
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, invalid(what, nil)
	}
	return n, nil
}

func list(items []string) string {
	return "[" + strings.Join(items, ", ") + "]"
}

func printReport(p *Prompter, r *registry.LibraryReport) {
	p.Printf("%s\nLast version: %s\nReliability: %s\nReliability level: %s\n",
		r.Project, r.Version, r.Reliability, r.Level)
}

func (c *commands) addDeveloper(ctx context.Context, p *Prompter) error {
	email, err := p.Ask("Insert your email: ")
	if err != nil {
		return err
	}
	p.Println("Registering as a developer...")
	if _, err := c.env.Tx.AddDeveloper(ctx, email); err != nil {
		return err
	}
	p.Printf("Registered as a developer with email %s\n\n", email)
	return nil
}

func (c *commands) createGroup(ctx context.Context, p *Prompter) error {
	name, err := p.Ask("Insert the group name: ")
	if err != nil {
		return err
	}
	p.Println("Creating a group...")
	if _, err := c.env.Tx.CreateGroup(ctx, name); err != nil {
		return err
	}
	p.Printf("Group %s created\n\n", name)
	return nil
}

func (c *commands) createProject(ctx context.Context, p *Prompter) error {
	group, err := p.Ask("Insert the name of the group in which you want to create a project: ")
	if err != nil {
		return err
	}
	name, err := p.Ask("Insert the project name: ")
	if err != nil {
		return err
	}
	p.Println("Creating a project...")
	if _, err := c.env.Tx.CreateProject(ctx, group, name); err != nil {
		return err
	}
	p.Printf("Project %s created\n\n", name)
	return nil
}

func (c *commands) addLibrary(ctx context.Context, p *Prompter) error {
	project, err := p.Ask("Insert the name of the project: ")
	if err != nil {
		return err
	}
	path, err := p.Ask("Insert the path of the file: ")
	if err != nil {
		return err
	}
	version, err := p.Ask("Insert the version of the library: ")
	if err != nil {
		return err
	}
	rawDeps, err := p.Ask("Insert the list of the CID of the dependencies (comma separated): ")
	if err != nil {
		return err
	}

	var deps []string
	for _, d := range strings.Split(rawDeps, ",") {
		if d = strings.TrimSpace(d); d != "" {
			if _, err := artifact.ParseCID(d); err != nil {
				return invalid("dependency CID", err)
			}
			deps = append(deps, d)
		}
	}

	p.Println("Adding the library...")
	data, err := c.env.ReadFile(path)
	if err != nil {
		return invalid("path", err)
	}
	cid, err := c.env.Store.Upload(ctx, data)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	p.Printf("CID: %s\n", cid)
	if _, err := c.env.Tx.AddLibrary(ctx, project, cid, version, deps); err != nil {
		return err
	}
	p.Println("The library has been added")
	p.Println()
	return nil
}

func (c *commands) developerInfo(ctx context.Context, p *Prompter) error {
	addr, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	dev, err := c.env.Queries.DeveloperInfo(ctx, addr)
	if err != nil {
		return invalidIfMissing("address", err)
	}
	p.Printf("%s information:\nEmail: %s\nReliability: %s\nRegistration date: %s\n\n",
		addr.Hex(), dev.Email, dev.Reliability, dev.RegisteredAt.UTC().Format(dateLayout))
	return nil
}

func (c *commands) developerAddress(ctx context.Context, p *Prompter) error {
	email, err := p.Ask("Insert the email of the developer: ")
	if err != nil {
		return err
	}
	addr, err := c.env.Queries.DeveloperAddress(ctx, email)
	if err != nil {
		return invalidIfMissing("email", err)
	}
	p.Printf("The address of the developer is %s\n", addr.Hex())
	return nil
}

func (c *commands) count(singular, plural string, fn func(context.Context) (*big.Int, error)) Handler {
	return func(ctx context.Context, p *Prompter) error {
		n, err := fn(ctx)
		if err != nil {
			return err
		}
		if n.Cmp(big.NewInt(1)) == 0 {
			p.Printf("There is %s %s\n\n", n, singular)
		} else {
			p.Printf("There are %s %s\n\n", n, plural)
		}
		return nil
	}
}

func (c *commands) groups(relation string) Handler {
	return func(ctx context.Context, p *Prompter) error {
		addr, err := askAddress(p, "Insert the address of the developer: ")
		if err != nil {
			return err
		}
		groups, err := c.env.Queries.Groups(ctx, addr)
		if err != nil {
			return invalidIfMissing("address", err)
		}
		p.Printf("%s %s the following groups: %s\n", addr.Hex(), relation, list(groups))
		return nil
	}
}

func (c *commands) groupProjects(ctx context.Context, p *Prompter) error {
	group, err := p.Ask("Insert the name of the group: ")
	if err != nil {
		return err
	}
	projects, err := c.env.Queries.GroupProjects(ctx, group)
	if err != nil {
		return invalidIfMissing("group name", err)
	}
	p.Printf("In the group %s there are the following projects: %s\n", group, list(projects))
	return nil
}

func (c *commands) groupRequests(ctx context.Context, p *Prompter) error {
	addr, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	groups, err := c.env.Queries.GroupAccessRequests(ctx, addr)
	if err != nil {
		return invalidIfMissing("address", err)
	}
	p.Printf("The developer %s requested to join the following groups: %s\n", addr.Hex(), list(groups))
	return nil
}

func (c *commands) pendingApprovals(ctx context.Context, p *Prompter) error {
	group, err := p.Ask("Insert the name of the group: ")
	if err != nil {
		return err
	}
	devs, err := c.env.Queries.PendingApprovals(ctx, group)
	if err != nil {
		return invalidIfMissing("group name", err)
	}
	addrs := make([]string, len(devs))
	for i, d := range devs {
		addrs[i] = d.Hex()
	}
	p.Printf("The following developers asked to join the group %s: %s\n", group, list(addrs))
	return nil
}

func (c *commands) projectVersions(ctx context.Context, p *Prompter) error {
	project, err := p.Ask("Insert the name of the project: ")
	if err != nil {
		return err
	}
	versions, err := c.env.Queries.ProjectVersions(ctx, project)
	if err != nil {
		return invalidIfMissing("project name", err)
	}
	p.Printf("The following versions of the library are present in the project %s: %s\n", project, list(versions))
	return nil
}

func (c *commands) lastVersion(ctx context.Context, p *Prompter) error {
	project, err := p.Ask("Insert the name of the project: ")
	if err != nil {
		return err
	}
	cid, err := c.env.Queries.ProjectLastVersion(ctx, project)
	if err != nil {
		return invalidIfMissing("project name", err)
	}
	p.Printf("The CID of the last version of the library of project %s is %s\n", project, cid)
	return nil
}

func (c *commands) libraryInfo(ctx context.Context, p *Prompter) error {
	cid, err := p.Ask("Insert the CID of the library: ")
	if err != nil {
		return err
	}
	info, err := c.env.Queries.LibraryInformation(ctx, cid)
	if err != nil {
		return invalidIfMissing("CID", err)
	}
	p.Printf("Project: %s\nVersion: %s\nDependencies: %s\n", info.Project, info.Version, list(info.Dependencies))
	return nil
}

func (c *commands) download(ctx context.Context, p *Prompter) error {
	cid, err := p.Ask("Insert the CID of the library: ")
	if err != nil {
		return err
	}
	result, err := c.env.Walker.Walk(ctx, cid)
	if err != nil {
		return err
	}
	if len(result.Downloaded) == 0 && len(result.Failed) > 0 {
		return invalidIfMissing("CID", result.Failed[0].Err)
	}

	for _, n := range result.Downloaded {
		p.Printf("The library %s (version %s) has been successfully downloaded\n", n.Project, n.Version)
		if len(n.Dependencies) > 0 {
			p.Printf("%s has the following dependencies: %s\n", n.Project, list(n.Dependencies))
		}
	}
	for _, f := range result.Failed {
		p.Printf("%s (required by %s): %s\n", f.CID, f.Parent, Describe(f.Err))
	}
	return nil
}

func (c *commands) requestAccess(ctx context.Context, p *Prompter) error {
	group, err := p.Ask("Insert the name of the group that you want to join: ")
	if err != nil {
		return err
	}
	p.Println("Processing the request...")
	if _, err := c.env.Tx.RequestGroupAccess(ctx, group); err != nil {
		return err
	}
	p.Printf("The request to join the %s group has been registered\n\n", group)
	return nil
}

func (c *commands) acceptRequest(ctx context.Context, p *Prompter) error {
	group, err := p.Ask("Insert the name of the group: ")
	if err != nil {
		return err
	}
	dev, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	p.Println("Accepting the request...")
	if _, err := c.env.Tx.AcceptGroupRequest(ctx, group, dev); err != nil {
		return err
	}
	p.Printf("%s has been accepted in the %s group\n\n", dev.Hex(), group)
	return nil
}

func (c *commands) removeDeveloper(ctx context.Context, p *Prompter) error {
	group, err := p.Ask("Insert the name of the group: ")
	if err != nil {
		return err
	}
	dev, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	p.Printf("Removing %s from the group...\n", dev.Hex())
	if _, err := c.env.Tx.RemoveDeveloperFromGroup(ctx, group, dev); err != nil {
		return err
	}
	p.Printf("%s has been removed from the %s group\n\n", dev.Hex(), group)
	return nil
}

func (c *commands) vote(ctx context.Context, p *Prompter) error {
	dev, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	p.Println("Voting the developer...")
	if _, err := c.env.Tx.VoteDeveloper(ctx, dev); err != nil {
		return err
	}
	p.Println("The developer has been voted")
	p.Println()
	return nil
}

func (c *commands) report(ctx context.Context, p *Prompter) error {
	dev, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	p.Println("Reporting the developer...")
	if _, err := c.env.Tx.ReportDeveloper(ctx, dev); err != nil {
		return err
	}
	p.Println("The developer has been reported")
	p.Println()
	return nil
}

func (c *commands) checkDependencies(ctx context.Context, p *Prompter) error {
	name, err := p.Ask("Insert the name of the library: ")
	if err != nil {
		return err
	}
	rep, err := c.env.Aggregator.Check(ctx, c.env.Tx, name)
	if err != nil {
		return invalidIfMissing("name", err)
	}

	printReport(p, rep.Root)
	p.Printf("%s dependencies:\n\n", name)
	for _, dep := range rep.Dependencies {
		if dep.Matched() {
			printReport(p, dep.Report)
			p.Println()
		} else {
			p.Printf("%s %s: not found on the ledger\n\n", dep.Name, dep.Version)
		}
	}
	p.Println("Among all the dependencies, for each reliability level, there are the following numbers of libraries:")
	for _, level := range rep.Histogram.Levels() {
		p.Printf("%s: %d\n", level, rep.Histogram.Count(level))
	}
	return nil
}

func (c *commands) updateReliability(ctx context.Context, p *Prompter) error {
	p.Println("Updating the reliability...")
	if _, err := c.env.Tx.UpdateReliability(ctx); err != nil {
		return err
	}
	p.Println("The reliability has been updated")
	p.Println()
	return nil
}

func (c *commands) changeAdmin(ctx context.Context, p *Prompter) error {
	admin, err := askAddress(p, "Insert the address of the new admin: ")
	if err != nil {
		return err
	}
	group, err := p.Ask("Insert the name of the group: ")
	if err != nil {
		return err
	}
	p.Println("Changing the admin...")
	if _, err := c.env.Tx.ChangeAdmin(ctx, admin, group); err != nil {
		return err
	}
	p.Println("The admin has been changed")
	p.Println()
	return nil
}

func (c *commands) buyTokens(ctx context.Context, p *Prompter) error {
	n, err := askAmount(p, "Insert the number of tokens to buy: ", "number of tokens")
	if err != nil {
		return err
	}
	p.Println("Buying tokens...")
	if _, err := c.env.Tx.BuyTokens(ctx, n); err != nil {
		return err
	}
	p.Printf("%s tokens have been bought\n\n", n)
	return nil
}

func (c *commands) buyReliability(ctx context.Context, p *Prompter) error {
	n, err := askAmount(p, "Insert the amount of reliability to buy: ", "amount of reliability")
	if err != nil {
		return err
	}
	p.Println("Buying reliability...")
	if _, err := c.env.Tx.BuyReliability(ctx, n); err != nil {
		return err
	}
	p.Printf("%s reliability has been bought\n\n", n)
	return nil
}

func (c *commands) tokenBalance(ctx context.Context, p *Prompter) error {
	addr, err := askAddress(p, "Insert the address of the developer: ")
	if err != nil {
		return err
	}
	balance, err := c.env.Queries.TokenBalance(ctx, addr)
	if err != nil {
		return invalidIfMissing("address", err)
	}
	p.Println(balance)

	// A fee approval left behind by an interrupted operation.
	allowance, err := c.env.Queries.TokenAllowance(ctx, addr)
	if err != nil {
		return err
	}
	if allowance != nil && allowance.Sign() > 0 {
		p.Printf("Still approved for the registry: %s\n", allowance)
	}
	return nil
}
