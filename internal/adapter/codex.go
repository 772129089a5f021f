package adapter

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/event"
)

// codexAdapter decodes `codex exec --json` output: thread and turn
// lifecycle lines plus item lines carrying agent messages, reasoning,
// command executions and file changes. Items arrive complete on
// item.completed; item.started is only meaningful for tools, where it
// marks the invocation as running.
type codexAdapter struct {
	cfg     config.BackendConfig
	seq     *event.Sequencer
	lines   lineBuffer
	workDir string
}

func newCodexAdapter(cfg config.BackendConfig, seq *event.Sequencer) *codexAdapter {
	return &codexAdapter{cfg: cfg, seq: seq}
}

func (a *codexAdapter) Backend() string { return BackendCodex }

func (a *codexAdapter) BuildInvocation(instruction, model, workDir string) Invocation {
	a.workDir = workDir
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if m := resolveModel(BackendCodex, model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, a.cfg.ExtraArgs...)
	args = append(args, instruction)
	return Invocation{Path: a.cfg.Bin, Args: args}
}

type codexLine struct {
	Type  string    `json:"type"`
	Error codexErr  `json:"error"`
	Item  codexItem `json:"item"`
}

type codexErr struct {
	Message string `json:"message"`
}

type codexItem struct {
	ID               string `json:"id"`
	ItemType         string `json:"item_type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	Status           string `json:"status"`
	Changes          []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
}

func (a *codexAdapter) Decode(chunk []byte) []event.Event {
	var events []event.Event
	for _, line := range a.lines.split(chunk) {
		events = append(events, a.decodeLine(line)...)
	}
	return events
}

func (a *codexAdapter) Flush() []event.Event {
	if line := a.lines.rest(); line != "" {
		return a.decodeLine(line)
	}
	return nil
}

func (a *codexAdapter) decodeLine(line string) []event.Event {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}
	var msg codexLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Printf("[codex] dropping malformed line: %v", err)
		return nil
	}
	switch msg.Type {
	case "thread.started":
		return []event.Event{a.seq.Status("starting")}
	case "turn.started":
		return []event.Event{a.seq.Status("running")}
	case "turn.completed":
		return []event.Event{a.seq.Status("completed")}
	case "turn.failed":
		detail := msg.Error.Message
		if detail == "" {
			detail = "turn failed"
		}
		return []event.Event{a.seq.Error(detail)}
	case "error":
		return []event.Event{a.seq.Error(msg.Error.Message)}
	case "item.started":
		return a.itemStarted(msg.Item)
	case "item.completed":
		return a.itemCompleted(msg.Item)
	default:
		return nil
	}
}

func (a *codexAdapter) itemStarted(item codexItem) []event.Event {
	switch item.ItemType {
	case "command_execution":
		input, _ := json.Marshal(map[string]string{"command": item.Command})
		title := toolTitle("shell", input, a.workDir)
		return []event.Event{a.seq.ToolStart(item.ID, "Bash", title, input)}
	case "file_change":
		return a.fileChangeStart(item)
	default:
		return nil
	}
}

func (a *codexAdapter) itemCompleted(item codexItem) []event.Event {
	switch item.ItemType {
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []event.Event{
			a.seq.MessageStart(),
			a.seq.TextDelta(item.Text),
			a.seq.MessageEnd(),
		}
	case "reasoning":
		if item.Text == "" {
			return nil
		}
		return []event.Event{
			a.seq.ReasoningStart(),
			a.seq.ReasoningDelta(item.Text),
			a.seq.ReasoningEnd(),
		}
	case "command_execution":
		return []event.Event{a.seq.ToolEnd(item.ID, item.AggregatedOutput)}
	case "file_change":
		var paths []string
		for _, c := range item.Changes {
			paths = append(paths, relativizePath(c.Path, a.workDir))
		}
		return []event.Event{a.seq.ToolEnd(item.ID, strings.Join(paths, "\n"))}
	default:
		return nil
	}
}

func (a *codexAdapter) fileChangeStart(item codexItem) []event.Event {
	title := "Edit"
	if len(item.Changes) > 0 {
		title = "Edit " + relativizePath(item.Changes[0].Path, a.workDir)
	}
	input, _ := json.Marshal(item.Changes)
	return []event.Event{a.seq.ToolStart(item.ID, "Edit", title, input)}
}
