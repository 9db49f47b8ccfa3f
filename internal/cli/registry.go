// Package cli implements the interactive registry client: a typed command
// registry and the menu loop that dispatches to it.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// QuitKey ends the shell. It cannot be registered.
const QuitKey = "q"

// Handler runs one command, prompting through p.
type Handler func(ctx context.Context, p *Prompter) error

// Command is one menu entry.
type Command struct {
	Key   string
	Title string
	Run   Handler
}

// Registry holds commands in registration order.
type Registry struct {
	commands []Command
	byKey    map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]int)}
}

// Register adds cmd. Keys are case-insensitive and must be unique.
func (r *Registry) Register(cmd Command) error {
	key := normalizeKey(cmd.Key)
	switch {
	case key == "":
		return errors.New("command key is empty")
	case key == QuitKey:
		return fmt.Errorf("command key %q is reserved", cmd.Key)
	case cmd.Run == nil:
		return fmt.Errorf("command %q has no handler", cmd.Key)
	}
	if _, dup := r.byKey[key]; dup {
		return fmt.Errorf("duplicate command key %q", cmd.Key)
	}
	cmd.Key = key
	r.byKey[key] = len(r.commands)
	r.commands = append(r.commands, cmd)
	return nil
}

// MustRegister is Register for static command tables.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the command registered under key.
func (r *Registry) Lookup(key string) (Command, bool) {
	i, ok := r.byKey[normalizeKey(key)]
	if !ok {
		return Command{}, false
	}
	return r.commands[i], true
}

// Commands returns the commands in registration order.
func (r *Registry) Commands() []Command {
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Menu renders the numbered menu.
func (r *Registry) Menu() string {
	var b strings.Builder
	b.WriteString("Select one of the following:\n")
	for _, cmd := range r.commands {
		fmt.Fprintf(&b, "    %s - %s\n", cmd.Key, cmd.Title)
	}
	fmt.Fprintf(&b, "    %s - Exit\n", QuitKey)
	return b.String()
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
