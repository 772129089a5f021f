package adapter

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/event"
)

// claudeAdapter decodes the claude CLI's stream-json output. Every
// line is a self-contained JSON object; assistant content arrives in
// blocks (text, thinking, tool_use) that map one-to-one onto event
// triples, and tool results come back on user lines.
type claudeAdapter struct {
	cfg     config.BackendConfig
	seq     *event.Sequencer
	lines   lineBuffer
	workDir string
}

func newClaudeAdapter(cfg config.BackendConfig, seq *event.Sequencer) *claudeAdapter {
	return &claudeAdapter{cfg: cfg, seq: seq}
}

func (a *claudeAdapter) Backend() string { return BackendClaude }

func (a *claudeAdapter) BuildInvocation(instruction, model, workDir string) Invocation {
	a.workDir = workDir
	args := []string{
		"-p", instruction,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if m := resolveModel(BackendClaude, model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, a.cfg.ExtraArgs...)
	return Invocation{Path: a.cfg.Bin, Args: args}
}

type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []claudeBlock `json:"content"`
	} `json:"message"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func (a *claudeAdapter) Decode(chunk []byte) []event.Event {
	var events []event.Event
	for _, line := range a.lines.split(chunk) {
		events = append(events, a.decodeLine(line)...)
	}
	return events
}

func (a *claudeAdapter) Flush() []event.Event {
	if line := a.lines.rest(); line != "" {
		return a.decodeLine(line)
	}
	return nil
}

func (a *claudeAdapter) decodeLine(line string) []event.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var msg claudeLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Printf("[claude] dropping malformed line: %v", err)
		return nil
	}
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []event.Event{a.seq.Status("starting")}
		}
		return nil
	case "assistant":
		var events []event.Event
		for _, block := range msg.Message.Content {
			events = append(events, a.decodeBlock(block)...)
		}
		return events
	case "user":
		var events []event.Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			events = append(events, a.seq.ToolEnd(block.ToolUseID, flattenToolResult(block.Content)))
		}
		return events
	case "result":
		if msg.IsError {
			detail := msg.Result
			if detail == "" {
				detail = msg.Subtype
			}
			return []event.Event{a.seq.Error(detail)}
		}
		return []event.Event{a.seq.Status("completed")}
	default:
		return nil
	}
}

func (a *claudeAdapter) decodeBlock(block claudeBlock) []event.Event {
	switch block.Type {
	case "text":
		if block.Text == "" {
			return nil
		}
		return []event.Event{
			a.seq.MessageStart(),
			a.seq.TextDelta(block.Text),
			a.seq.MessageEnd(),
		}
	case "thinking":
		if block.Thinking == "" {
			return nil
		}
		return []event.Event{
			a.seq.ReasoningStart(),
			a.seq.ReasoningDelta(block.Thinking),
			a.seq.ReasoningEnd(),
		}
	case "tool_use":
		title := toolTitle(block.Name, block.Input, a.workDir)
		return []event.Event{
			a.seq.ToolStart(block.ID, canonicalToolName(block.Name), title, block.Input),
		}
	default:
		return nil
	}
}

// flattenToolResult renders a tool_result content field, which the CLI
// emits either as a plain string or as a list of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
