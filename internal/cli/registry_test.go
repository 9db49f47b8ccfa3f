package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *Prompter) error { return nil }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Command{Key: "1", Title: "first", Run: noop}))
	require.NoError(t, r.Register(Command{Key: "B", Title: "second", Run: noop}))

	err := r.Register(Command{Key: "1", Title: "again", Run: noop})
	assert.ErrorContains(t, err, "duplicate")
	err = r.Register(Command{Key: " b ", Title: "case", Run: noop})
	assert.ErrorContains(t, err, "duplicate", "keys are case-insensitive")
	assert.ErrorContains(t, r.Register(Command{Key: "Q", Run: noop}), "reserved")
	assert.Error(t, r.Register(Command{Key: "", Run: noop}))
	assert.ErrorContains(t, r.Register(Command{Key: "3"}), "no handler")

	cmd, ok := r.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "second", cmd.Title)
	_, ok = r.Lookup("3")
	assert.False(t, ok)

	assert.Len(t, r.Commands(), 2)
}

func TestRegistryMenu(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		Command{Key: "1", Title: "first", Run: noop},
		Command{Key: "2", Title: "second", Run: noop},
	)
	menu := r.Menu()
	assert.True(t, strings.HasPrefix(menu, "Select one of the following:\n"))
	first := strings.Index(menu, "1 - first")
	second := strings.Index(menu, "2 - second")
	exit := strings.Index(menu, "q - Exit")
	assert.True(t, first > 0 && first < second && second < exit, menu)
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(Command{Key: "1", Run: noop}, Command{Key: "1", Run: noop})
	})
}

func TestDefaultCommandsAreComplete(t *testing.T) {
	reg := DefaultCommands(&Env{Queries: &fakeQueries{}, Tx: &fakeTx{}})
	cmds := reg.Commands()
	assert.Len(t, cmds, 29)
	for _, cmd := range cmds {
		assert.NotEmpty(t, cmd.Title, cmd.Key)
		assert.NotNil(t, cmd.Run, cmd.Key)
	}
}
