// Package console is the operator's trigger prompt: Enter fires the next
// cycle, q stops the session.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/cjeanneret/RigSync/internal/acquire"
)

type lineReader interface {
	Readline() (string, error)
	Close() error
}

type input struct {
	line string
	err  error
}

// Prompt is an acquire.Rendezvous driven from the terminal.
type Prompt struct {
	rl  lineReader
	out io.Writer

	once      sync.Once
	lines     chan input
	done      chan struct{}
	closeOnce sync.Once
}

// New opens a readline prompt on the terminal.
func New() (*Prompt, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "trigger> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return newPrompt(rl, rl.Stdout()), nil
}

func newPrompt(rl lineReader, out io.Writer) *Prompt {
	return &Prompt{rl: rl, out: out, lines: make(chan input), done: make(chan struct{})}
}

// Stdout returns a writer that does not garble the prompt. Route log
// output through it while the prompt is open.
func (p *Prompt) Stdout() io.Writer { return p.out }

func (p *Prompt) read() {
	defer close(p.lines)
	for {
		line, err := p.rl.Readline()
		select {
		case p.lines <- input{line: line, err: err}:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Wait blocks until the operator presses Enter (nil) or asks to stop
// with q, quit, Ctrl-C or Ctrl-D (acquire.ErrStopRequested).
func (p *Prompt) Wait(ctx context.Context, cycle uint64) error {
	p.once.Do(func() { go p.read() })
	fmt.Fprintf(p.out, "Cycle %d: press Enter to trigger, q to stop\n", cycle)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return acquire.ErrStopRequested
		case in, ok := <-p.lines:
			if !ok {
				return acquire.ErrStopRequested
			}
			if in.err != nil {
				if !errors.Is(in.err, readline.ErrInterrupt) && !errors.Is(in.err, io.EOF) {
					fmt.Fprintf(p.out, "input error: %v\n", in.err)
				}
				return acquire.ErrStopRequested
			}
			switch strings.ToLower(strings.TrimSpace(in.line)) {
			case "":
				return nil
			case "q", "quit", "exit":
				return acquire.ErrStopRequested
			default:
				fmt.Fprintln(p.out, "Enter: trigger    q: stop")
			}
		}
	}
}

// Close releases the terminal and the reader goroutine. Later calls are
// no-ops.
func (p *Prompt) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.rl.Close()
	})
	return err
}
