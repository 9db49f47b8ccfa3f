// Package fetch walks library dependency graphs recorded on the ledger,
// downloading artifacts and aggregating reliability reports.
package fetch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/registry"
)

// LibraryLookup returns the ledger record of a library version.
type LibraryLookup interface {
	LibraryInformation(ctx context.Context, cid string) (*registry.LibraryInfo, error)
}

// Node is a downloaded library version.
type Node struct {
	CID          string   `json:"cid"`
	Project      string   `json:"project"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
	Parent       string   `json:"parent,omitempty"`
	Path         string   `json:"path,omitempty"`
	Bytes        int      `json:"bytes"`
}

// Failure is a node whose branch was abandoned.
type Failure struct {
	CID    string `json:"cid"`
	Parent string `json:"parent,omitempty"`
	Err    error  `json:"-"`
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.CID, f.Err) }

// WalkResult lists what a walk downloaded and where it stopped.
type WalkResult struct {
	Downloaded []Node
	Failed     []Failure
	// Revisits counts dependency edges to already visited CIDs.
	Revisits int
}

// WalkerConfig configures a Walker.
type WalkerConfig struct {
	Lookup LibraryLookup
	Store  artifact.Store
	// Sink receives each downloaded artifact. Optional.
	Sink artifact.Sink
	// OnNode is called after each successful download. Optional.
	OnNode func(Node)
	Logger *slog.Logger
}

// Walker downloads a library and every library it depends on.
type Walker struct {
	lookup LibraryLookup
	store  artifact.Store
	sink   artifact.Sink
	onNode func(Node)
	logger *slog.Logger
}

// NewWalker creates a Walker.
func NewWalker(cfg WalkerConfig) *Walker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		lookup: cfg.Lookup,
		store:  cfg.Store,
		sink:   cfg.Sink,
		onNode: cfg.OnNode,
		logger: logger,
	}
}

type pending struct {
	cid    string
	parent string
}

// Walk downloads root and its dependency closure depth-first. Each CID is
// fetched at most once, so cycles terminate. A node that cannot be looked up,
// downloaded or written is recorded as failed and its dependencies are not
// visited; siblings are unaffected. Walk only returns an error when ctx ends.
func (w *Walker) Walk(ctx context.Context, root string) (*WalkResult, error) {
	result := &WalkResult{}
	visited := make(map[string]bool)
	stack := []pending{{cid: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[next.cid] {
			result.Revisits++
			continue
		}
		visited[next.cid] = true

		node, err := w.fetch(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			w.logger.Warn("dependency fetch failed",
				slog.String("cid", next.cid),
				slog.String("parent", next.parent),
				slog.String("error", err.Error()),
			)
			result.Failed = append(result.Failed, Failure{CID: next.cid, Parent: next.parent, Err: err})
			continue
		}
		result.Downloaded = append(result.Downloaded, *node)
		if w.onNode != nil {
			w.onNode(*node)
		}

		// Reverse order keeps the declared order when popping.
		for i := len(node.Dependencies) - 1; i >= 0; i-- {
			dep := node.Dependencies[i]
			if dep == "" {
				continue
			}
			stack = append(stack, pending{cid: dep, parent: node.CID})
		}
	}
	return result, nil
}

func (w *Walker) fetch(ctx context.Context, p pending) (*Node, error) {
	info, err := w.lookup.LibraryInformation(ctx, p.cid)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	data, err := w.store.Download(ctx, p.cid)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	node := &Node{
		CID:          p.cid,
		Project:      info.Project,
		Version:      info.Version,
		Dependencies: nonEmpty(info.Dependencies),
		Parent:       p.parent,
		Bytes:        len(data),
	}
	if w.sink != nil {
		path, err := w.sink.Write(info.Project, data)
		if err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
		node.Path = path
	}
	w.logger.Debug("library downloaded",
		slog.String("cid", p.cid),
		slog.String("project", info.Project),
		slog.String("version", info.Version),
	)
	return node, nil
}

func nonEmpty(list []string) []string {
	var out []string
	for _, s := range list {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
