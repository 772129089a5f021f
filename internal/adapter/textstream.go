package adapter

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/event"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][AB0]`)

// textAdapter handles backends with no structured output mode. Their
// executables are terminal programs, so the supervisor runs them under
// a pty; the raw stream is ANSI-stripped and surfaced as one long
// assistant message that closes when the process exits.
type textAdapter struct {
	backend   string
	cfg       config.BackendConfig
	extraArgs []string
	seq       *event.Sequencer
	pending   []byte
	started   bool
}

func newTextAdapter(backend string, cfg config.BackendConfig, args []string, seq *event.Sequencer) *textAdapter {
	return &textAdapter{backend: backend, cfg: cfg, extraArgs: args, seq: seq}
}

func (a *textAdapter) Backend() string { return a.backend }

func (a *textAdapter) BuildInvocation(instruction, model, workDir string) Invocation {
	args := append([]string{}, a.extraArgs...)
	if m := resolveModel(a.backend, model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, a.cfg.ExtraArgs...)
	args = append(args, instruction)
	return Invocation{Path: a.cfg.Bin, Args: args, UsePTY: true}
}

func (a *textAdapter) Decode(chunk []byte) []event.Event {
	a.pending = append(a.pending, chunk...)
	consumable := a.pending
	// Hold back a trailing escape sequence that is still incomplete so
	// it is not split across deltas and leaked uncleaned.
	if idx := bytes.LastIndexByte(consumable, 0x1b); idx >= 0 {
		if loc := ansiPattern.FindIndex(consumable[idx:]); loc == nil {
			consumable = consumable[:idx]
		}
	}
	a.pending = a.pending[len(consumable):]
	text := cleanTerminalOutput(consumable)
	if text == "" {
		return nil
	}
	var events []event.Event
	if !a.started {
		a.started = true
		events = append(events, a.seq.MessageStart())
	}
	return append(events, a.seq.TextDelta(text))
}

func (a *textAdapter) Flush() []event.Event {
	var events []event.Event
	if text := cleanTerminalOutput(a.pending); text != "" {
		if !a.started {
			a.started = true
			events = append(events, a.seq.MessageStart())
		}
		events = append(events, a.seq.TextDelta(text))
	}
	a.pending = nil
	if a.started {
		events = append(events, a.seq.MessageEnd())
	}
	return events
}

// cleanTerminalOutput strips ANSI escape sequences and control
// characters other than newline and tab.
func cleanTerminalOutput(raw []byte) string {
	s := ansiPattern.ReplaceAllString(string(raw), "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 0x20 && r != 0x7f) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
