package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gateway-fm/supplychain/internal/artifact"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/sender"
)

// ErrQuit ends the shell from inside a handler, or when input is exhausted.
var ErrQuit = errors.New("quit")

// InvalidInputError reports input that is malformed or unknown to the
// ledger. It prints as "Insert a valid <What>".
type InvalidInputError struct {
	What string
	Err  error
}

func (e *InvalidInputError) Error() string { return "Insert a valid " + e.What }

func (e *InvalidInputError) Unwrap() error { return e.Err }

func invalid(what string, err error) error {
	return &InvalidInputError{What: what, Err: err}
}

// invalidIfMissing maps ledger and gateway not-found errors to an
// InvalidInputError and leaves other errors alone.
func invalidIfMissing(what string, err error) error {
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, artifact.ErrInvalidCID) {
		return invalid(what, err)
	}
	return err
}

// Describe renders a handler error for the user: the contract's refusal
// reason, an "Insert a valid ..." hint, or the error text.
func Describe(err error) string {
	var inv *InvalidInputError
	switch {
	case errors.As(err, &inv):
		return inv.Error()
	case sender.IsRejection(err):
		return sender.Reason(err)
	case errors.Is(err, artifact.ErrNotFound):
		return "Wrong CID"
	default:
		return err.Error()
	}
}

// Prompter reads answers line by line and writes prompts and results.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Ask prints question and returns the trimmed answer. Exhausted input
// yields ErrQuit.
func (p *Prompter) Ask(question string) (string, error) {
	if question != "" {
		fmt.Fprint(p.out, question)
	}
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrQuit
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Printf writes formatted output.
func (p *Prompter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

// Println writes a line.
func (p *Prompter) Println(args ...interface{}) {
	fmt.Fprintln(p.out, args...)
}

// Shell is the interactive menu loop.
type Shell struct {
	registry *Registry
	prompter *Prompter
	logger   *slog.Logger
}

// NewShell creates a Shell.
func NewShell(reg *Registry, p *Prompter, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{registry: reg, prompter: p, logger: logger}
}

// dispatch runs one command, turning a handler panic into an error so the
// session survives it.
func (s *Shell) dispatch(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked",
				slog.String("command", cmd.Key),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("command %s failed: %v", cmd.Key, r)
		}
	}()
	return cmd.Run(ctx, s.prompter)
}

// Run shows the menu and dispatches choices until the user quits, input
// ends or ctx is cancelled. Handler errors are printed and the session
// continues.
func (s *Shell) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		choice, err := s.prompter.Ask(s.registry.Menu())
		if err != nil {
			if errors.Is(err, ErrQuit) {
				return nil
			}
			return err
		}
		if strings.EqualFold(choice, QuitKey) {
			return nil
		}

		cmd, ok := s.registry.Lookup(choice)
		if !ok {
			s.prompter.Println("Insert a valid command")
			s.prompter.Println()
			continue
		}

		err = s.dispatch(ctx, cmd)
		switch {
		case err == nil:
		case errors.Is(err, ErrQuit):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logger.Debug("command failed",
				slog.String("command", cmd.Key),
				slog.String("error", err.Error()),
			)
			s.prompter.Println(Describe(err))
			s.prompter.Println()
		}
	}
}
