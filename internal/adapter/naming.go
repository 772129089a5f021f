package adapter

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// canonicalToolNames folds backend-specific tool spellings onto one
// vocabulary so clients render a single icon set.
var canonicalToolNames = map[string]string{
	"read":          "Read",
	"write":         "Write",
	"edit":          "Edit",
	"multiedit":     "Edit",
	"str_replace":   "Edit",
	"bash":          "Bash",
	"shell":         "Bash",
	"local_shell":   "Bash",
	"exec_command":  "Bash",
	"grep":          "Grep",
	"search":        "Grep",
	"glob":          "Glob",
	"ls":            "LS",
	"list":          "LS",
	"webfetch":      "WebFetch",
	"web_fetch":     "WebFetch",
	"websearch":     "WebSearch",
	"web_search":    "WebSearch",
	"task":          "Task",
	"todowrite":     "TodoWrite",
	"apply_patch":   "Edit",
	"patch":         "Edit",
	"todo":          "TodoWrite",
	"notebookedit":  "NotebookEdit",
	"notebook_edit": "NotebookEdit",
}

func canonicalToolName(name string) string {
	if canonical, ok := canonicalToolNames[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// toolTitle builds the human-readable one-liner shown next to a tool
// invocation: the canonical name plus its most salient argument, file
// paths relative to the run's working directory.
func toolTitle(name string, input json.RawMessage, workDir string) string {
	canonical := canonicalToolName(name)
	arg := salientArg(canonical, input)
	if arg == "" {
		return canonical
	}
	if looksLikePath(arg) {
		arg = relativizePath(arg, workDir)
	}
	if len(arg) > 120 {
		arg = arg[:117] + "..."
	}
	return canonical + " " + arg
}

func salientArg(canonical string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	var keys []string
	switch canonical {
	case "Read", "Write", "Edit", "NotebookEdit":
		keys = []string{"file_path", "path", "notebook_path"}
	case "Bash":
		keys = []string{"command", "cmd"}
	case "Grep", "WebSearch":
		keys = []string{"pattern", "query"}
	case "Glob":
		keys = []string{"pattern"}
	case "LS":
		keys = []string{"path"}
	case "WebFetch":
		keys = []string{"url"}
	case "Task":
		keys = []string{"description", "prompt"}
	default:
		keys = []string{"file_path", "path", "command", "pattern", "query", "url"}
	}
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return strings.SplitN(v, "\n", 2)[0]
		}
	}
	return ""
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~/")
}

func relativizePath(p, workDir string) string {
	if workDir == "" {
		return p
	}
	if rel, err := filepath.Rel(workDir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}

// modelAliases maps the short model names clients send to the
// identifiers each CLI actually accepts. Unknown names pass through.
var modelAliases = map[string]map[string]string{
	BackendClaude: {
		"opus":   "claude-opus-4",
		"sonnet": "claude-sonnet-4",
		"haiku":  "claude-3-5-haiku",
	},
	BackendCodex: {
		"gpt-5":      "gpt-5",
		"o3":         "o3",
		"o4-mini":    "o4-mini",
		"gpt-4.1":    "gpt-4.1",
		"codex-mini": "codex-mini-latest",
	},
	BackendQwen: {
		"qwen-coder": "qwen3-coder-plus",
	},
}

func resolveModel(backend, model string) string {
	if model == "" {
		return ""
	}
	if aliases, ok := modelAliases[backend]; ok {
		if resolved, ok := aliases[strings.ToLower(model)]; ok {
			return resolved
		}
	}
	return model
}
