// Package repl implements the line-oriented terminal front ends: a local
// chat against the agent and a client of the gateway.
package repl

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/xiaot623/agentchat/internal/chat"
	"github.com/xiaot623/agentchat/internal/protocol"
	"github.com/xiaot623/agentchat/internal/remote"
)

const (
	// DefaultPrompt is printed before every input line.
	DefaultPrompt = "> "
	// QuitCommand ends the loop.
	QuitCommand = "/quit"
)

// ErrConnectionClosed is returned by RunRemote when the gateway goes away.
var ErrConnectionClosed = errors.New("connection closed")

// Options configures the front ends.
type Options struct {
	// Markdown renders finished replies with glamour instead of streaming
	// them raw.
	Markdown bool
	Prompt   string
}

// Run reads lines from in and sends each one to s, printing the reply to
// out while it streams. It returns at end of input, on QuitCommand or when
// ctx is done.
func Run(ctx context.Context, s *chat.Session, in io.Reader, out io.Writer, opts Options) error {
	p := NewPrinter(out, opts)
	sub, cancel := s.Subscribe()
	defer cancel()

	scanner := bufio.NewScanner(in)
	p.Prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			p.Prompt()
			continue
		}
		if line == QuitCommand {
			return nil
		}

		p.Begin()
		go s.SendMessage(ctx, line)

		if err := waitTurn(ctx, sub, p); err != nil {
			return err
		}
		p.Prompt()
	}
	return errors.Wrap(scanner.Err(), "read input")
}

func waitTurn(ctx context.Context, sub <-chan chat.Snapshot, p *Printer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub:
			if !ok {
				return nil
			}
			if p.Handle(snap) {
				return nil
			}
		}
	}
}

// RunRemote is Run against a gateway connection that has completed its
// hello handshake.
func RunRemote(ctx context.Context, c *remote.Client, in io.Reader, out io.Writer, opts Options) error {
	p := NewPrinter(out, opts)
	turnDone := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	synced := make(chan struct{})
	var once sync.Once

	go func() {
		readErr <- c.ReadEvents(func(ev remote.Event) {
			var ended bool
			switch ev.Type {
			case protocol.TypeState:
				first := false
				once.Do(func() {
					first = true
					close(synced)
				})
				if first {
					// The state sent after hello_ack describes the session
					// as joined, not a turn.
					return
				}
				ended = p.Handle(remote.Snapshot(ev.State))
			case protocol.TypeError:
				ended = p.Fail(ev.Error.Code + ": " + ev.Error.Message)
			}
			if ended {
				select {
				case turnDone <- struct{}{}:
				default:
				}
			}
		})
	}()

	select {
	case <-synced:
	case err := <-readErr:
		if err != nil {
			return err
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	scanner := bufio.NewScanner(in)
	p.Prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			p.Prompt()
			continue
		}
		if line == QuitCommand {
			return nil
		}

		p.Begin()
		if err := c.SendMessage(line); err != nil {
			return err
		}

		select {
		case <-turnDone:
		case err := <-readErr:
			if err != nil {
				return err
			}
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
		p.Prompt()
	}
	return errors.Wrap(scanner.Err(), "read input")
}
