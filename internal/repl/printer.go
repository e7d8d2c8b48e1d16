package repl

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/agentchat/internal/chat"
	"github.com/xiaot623/agentchat/internal/domain"
)

// markdownStyle is the glamour style used for rendered replies.
const markdownStyle = "dark"

// Printer writes the progress of turns to a terminal. Streamed text is
// printed as it grows; the finished reply is completed, or rendered as
// markdown, once the turn settles.
type Printer struct {
	out      io.Writer
	markdown bool
	prompt   string

	mu      sync.Mutex
	active  bool
	printed int
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer, opts Options) *Printer {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Printer{out: out, markdown: opts.Markdown, prompt: prompt}
}

// Prompt writes the input prompt.
func (p *Printer) Prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, p.prompt)
}

// Begin marks the start of a turn.
func (p *Printer) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.printed = 0
}

// Handle renders snap and reports whether it ended the current turn.
// Settled snapshots outside a turn are ignored.
func (p *Printer) Handle(snap chat.Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch snap.Status {
	case domain.SessionStatusStreaming:
		p.active = true
		if !p.markdown && len(snap.Partial) > p.printed {
			fmt.Fprint(p.out, snap.Partial[p.printed:])
			p.printed = len(snap.Partial)
		}
		return false

	case domain.SessionStatusError:
		if !p.active {
			return false
		}
		p.failLocked(snap.Error)
		return true

	default:
		if !p.active {
			return false
		}
		p.finishLocked(lastReply(snap.History))
		return true
	}
}

// Fail prints msg as an error and ends the current turn, if any. It
// reports whether a turn was ended.
func (p *Printer) Fail(msg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ended := p.active
	p.failLocked(msg)
	return ended
}

func (p *Printer) failLocked(msg string) {
	if p.printed > 0 {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.out, "error: %s\n", msg)
	p.active = false
	p.printed = 0
}

func (p *Printer) finishLocked(reply string) {
	if p.markdown {
		fmt.Fprint(p.out, render(reply))
	} else {
		if len(reply) > p.printed {
			fmt.Fprint(p.out, reply[p.printed:])
		}
		fmt.Fprintln(p.out)
	}
	p.active = false
	p.printed = 0
}

// lastReply returns the content of the last assistant message.
func lastReply(history []domain.Message) string {
	if n := len(history); n > 0 && history[n-1].Role == domain.RoleAssistant {
		return history[n-1].Content
	}
	return ""
}

func render(text string) string {
	out, err := glamour.Render(text, markdownStyle)
	if err != nil {
		log.Debug().Err(err).Str("component", "repl").Msg("markdown render failed, printing raw text")
		return text + "\n"
	}
	return out
}
