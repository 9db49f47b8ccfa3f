package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/sender"
)

func runShell(t *testing.T, reg *Registry, input string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := NewShell(reg, NewPrompter(strings.NewReader(input), &out), nil).Run(context.Background())
	return out.String(), err
}

func TestShellDispatch(t *testing.T) {
	var greeted []string
	reg := NewRegistry()
	reg.MustRegister(Command{Key: "1", Title: "Greet", Run: func(_ context.Context, p *Prompter) error {
		name, err := p.Ask("Name: ")
		if err != nil {
			return err
		}
		greeted = append(greeted, name)
		p.Printf("hello %s\n", name)
		return nil
	}})

	out, err := runShell(t, reg, "7\n1\nada\nQ\n1\nnever\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"ada"}, greeted, "q stops the loop")
	assert.Contains(t, out, "Insert a valid command")
	assert.Contains(t, out, "hello ada")
	assert.Equal(t, 3, strings.Count(out, "Select one of the following:"))
}

func TestShellContinuesAfterErrors(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.MustRegister(Command{Key: "1", Title: "Fail", Run: func(context.Context, *Prompter) error {
		calls++
		switch calls {
		case 1:
			return &sender.RejectionError{Op: "createGroup", Reason: "Group already exists"}
		case 2:
			return invalid("address", nil)
		default:
			return errors.New("node unreachable")
		}
	}})

	out, err := runShell(t, reg, "1\n1\n1\n")
	require.NoError(t, err, "EOF ends the session")
	assert.Equal(t, 3, calls)
	assert.Contains(t, out, "Group already exists\n")
	assert.NotContains(t, out, "createGroup rejected")
	assert.Contains(t, out, "Insert a valid address\n")
	assert.Contains(t, out, "node unreachable\n")
}

func TestShellQuitFromHandler(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Command{Key: "1", Title: "Stop", Run: func(context.Context, *Prompter) error { return ErrQuit }})
	out, err := runShell(t, reg, "1\n1\n")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "Select one of the following:"))
}

func TestShellSurvivesPanickingCommand(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.MustRegister(Command{Key: "1", Title: "Crash", Run: func(context.Context, *Prompter) error {
		calls++
		panic("unexpected output type")
	}})

	out, err := runShell(t, reg, "1\n1\nq\n")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, strings.Count(out, "command 1 failed"))
	assert.Equal(t, 3, strings.Count(out, "Select one of the following:"))
}

func TestShellStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := NewShell(NewRegistry(), NewPrompter(strings.NewReader("1\n"), &out), nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrompterAsk(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("  first  \nlast"), &out)

	got, err := p.Ask("? ")
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	got, err = p.Ask("")
	require.NoError(t, err)
	assert.Equal(t, "last", got, "final line without newline")
	_, err = p.Ask("")
	assert.ErrorIs(t, err, ErrQuit)
	assert.Equal(t, "? ", out.String())
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejection", fmt.Errorf("wrapped: %w", &sender.RejectionError{Op: "x", Reason: "Not enough tokens"}), "Not enough tokens"},
		{"invalid", invalid("CID", registry.ErrNotFound), "Insert a valid CID"},
		{"missing artifact", fmt.Errorf("download: %w", artifact.ErrNotFound), "Wrong CID"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.err))
		})
	}

	assert.ErrorIs(t, invalidIfMissing("address", fmt.Errorf("x: %w", registry.ErrNotFound)), registry.ErrNotFound)
	var inv *InvalidInputError
	assert.ErrorAs(t, invalidIfMissing("CID", artifact.ErrInvalidCID), &inv)
	other := errors.New("timeout")
	assert.Equal(t, other, invalidIfMissing("address", other))
}
