// Package deps resolves a package's declared dependencies through an external
// package-metadata tool.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Dependency is one declared dependency and its version-range string.
type Dependency struct {
	Name  string `json:"name"`
	Range string `json:"range"`
}

// Version returns the normalized form of the dependency's range.
func (d Dependency) Version() string { return NormalizeVersion(d.Range) }

// Dependencies keeps declaration order.
type Dependencies []Dependency

// Map returns the name to range mapping.
func (d Dependencies) Map() map[string]string {
	m := make(map[string]string, len(d))
	for _, dep := range d {
		m[dep.Name] = dep.Range
	}
	return m
}

// Resolver returns the declared dependencies of a package.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Dependencies, error)
}

// NormalizeVersion strips a single leading '^' or '~'. A caret or tilde range
// is treated as pinned to its stated minimum; this is not semver resolution.
func NormalizeVersion(v string) string {
	if strings.HasPrefix(v, "^") || strings.HasPrefix(v, "~") {
		return v[1:]
	}
	return v
}

// Runner executes bin with args and returns its combined output.
type Runner func(ctx context.Context, bin string, args ...string) ([]byte, error)

// ExecRunner runs the tool directly, without a shell.
func ExecRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// RemoteLS resolves dependencies with `npm-remote-ls -e <name>`.
type RemoteLS struct {
	Bin    string
	Run    Runner
	Logger *slog.Logger
}

// NewRemoteLS creates a resolver running bin (default "npm-remote-ls").
func NewRemoteLS(bin string, logger *slog.Logger) *RemoteLS {
	if bin == "" {
		bin = "npm-remote-ls"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteLS{Bin: bin, Run: ExecRunner, Logger: logger}
}

// Resolve runs the tool once. Output that cannot be parsed yields an empty
// result; only a tool that cannot be started is an error.
func (r *RemoteLS) Resolve(ctx context.Context, name string) (Dependencies, error) {
	run := r.Run
	if run == nil {
		run = ExecRunner
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out, err := run(ctx, r.Bin, "-e", name)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", r.Bin, err)
		}
		// The tool exits non-zero for unknown packages but may still have
		// printed what it loaded.
		logger.Warn("dependency resolver exited with error",
			slog.String("package", name),
			slog.String("error", err.Error()),
		)
	}

	found := ParseRemoteLS(out)
	if len(found) == 0 {
		logger.Debug("no dependencies resolved", slog.String("package", name))
	}
	return found, nil
}

// ParseRemoteLS extracts the dependencies from npm-remote-ls output: the run of
// "loading: name@range" entries at the start, minus the first, which is the
// package itself.
func ParseRemoteLS(out []byte) Dependencies {
	tokens := strings.Fields(string(out))

	var specs []string
	for i := 0; i+1 < len(tokens); i += 2 {
		if tokens[i] != "loading:" {
			break
		}
		specs = append(specs, tokens[i+1])
	}
	if len(specs) < 2 {
		return Dependencies{}
	}

	var result Dependencies
	index := make(map[string]int)
	for _, spec := range specs[1:] {
		name, rng, ok := splitSpec(spec)
		if !ok {
			continue
		}
		if i, dup := index[name]; dup {
			result[i].Range = rng
			continue
		}
		index[name] = len(result)
		result = append(result, Dependency{Name: name, Range: rng})
	}
	if result == nil {
		return Dependencies{}
	}
	return result
}

// splitSpec splits "name@range" on the last '@', so scoped names such as
// "@scope/pkg@^1.0.0" keep their leading '@'.
func splitSpec(spec string) (name, rng string, ok bool) {
	at := strings.LastIndex(spec, "@")
	if at <= 0 || at == len(spec)-1 {
		return "", "", false
	}
	return spec[:at], spec[at+1:], true
}

// Static is a fixed resolver, keyed by package name.
type Static map[string]Dependencies

// Resolve returns the configured dependencies of name.
func (s Static) Resolve(_ context.Context, name string) (Dependencies, error) {
	return s[name], nil
}
