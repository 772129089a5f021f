// Package adapter contains one backend adapter per supported
// coding-agent CLI. An adapter knows how to build the invocation for
// its executable and how to decode slices of its raw output into
// canonical events. Adapters hold line-reassembly state across Decode
// calls but no business logic; everything downstream depends only on
// this interface, never on a backend's name.
package adapter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/event"
)

// Invocation describes how to launch a backend process. UsePTY is set
// by the unstructured-text family, whose executables are full-screen
// terminal programs that refuse to stream over plain pipes.
type Invocation struct {
	Path   string
	Args   []string
	Env    map[string]string
	UsePTY bool
}

type Adapter interface {
	Backend() string
	BuildInvocation(instruction, model, workDir string) Invocation
	// Decode turns one slice of process output into zero or more
	// events. Malformed output is dropped, never fatal.
	Decode(chunk []byte) []event.Event
	// Flush emits whatever trailing state remains when the process
	// exits (a final partial line, the closing message_end for
	// unstructured backends).
	Flush() []event.Event
}

const (
	BackendClaude   = "claude"
	BackendCodex    = "codex"
	BackendQwen     = "qwen"
	BackendOpenCode = "opencode"
)

// Registry builds fresh adapters per run from the configured backend
// binaries. Adapters are stateful (line reassembly, sequence counter)
// and must never be shared between runs.
type Registry struct {
	cfg config.BackendsConfig
}

func NewRegistry(cfg config.BackendsConfig) *Registry {
	return &Registry{cfg: cfg}
}

func (r *Registry) New(backend, sessionID string) (Adapter, error) {
	seq := event.NewSequencer(sessionID)
	switch backend {
	case BackendClaude:
		return newClaudeAdapter(r.cfg.Claude, seq), nil
	case BackendCodex:
		return newCodexAdapter(r.cfg.Codex, seq), nil
	case BackendQwen:
		return newTextAdapter(BackendQwen, r.cfg.Qwen, nil, seq), nil
	case BackendOpenCode:
		return newTextAdapter(BackendOpenCode, r.cfg.OpenCode, []string{"run"}, seq), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// Backends lists the supported backend names.
func (r *Registry) Backends() []string {
	return []string{BackendClaude, BackendCodex, BackendQwen, BackendOpenCode}
}

func (r *Registry) Known(backend string) bool {
	switch backend {
	case BackendClaude, BackendCodex, BackendQwen, BackendOpenCode:
		return true
	}
	return false
}

// lineBuffer reassembles complete lines from output that arrives in
// bursts split mid-line.
type lineBuffer struct {
	rem []byte
}

// split appends chunk to the buffered remainder and returns every
// complete line; the trailing partial line stays buffered.
func (b *lineBuffer) split(chunk []byte) []string {
	b.rem = append(b.rem, chunk...)
	var lines []string
	for {
		idx := bytes.IndexByte(b.rem, '\n')
		if idx < 0 {
			return lines
		}
		line := strings.TrimRight(string(b.rem[:idx]), "\r")
		b.rem = b.rem[idx+1:]
		lines = append(lines, line)
	}
}

// rest returns the buffered partial line, clearing it.
func (b *lineBuffer) rest() string {
	line := strings.TrimRight(string(b.rem), "\r")
	b.rem = nil
	return line
}
