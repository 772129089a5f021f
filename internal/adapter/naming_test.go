package adapter

import (
	"encoding/json"
	"testing"

	"github.com/codedeck/agentd/internal/config"
)

func testBackends() config.BackendsConfig {
	return config.BackendsConfig{
		Claude:   config.BackendConfig{Bin: "claude"},
		Codex:    config.BackendConfig{Bin: "codex"},
		Qwen:     config.BackendConfig{Bin: "qwen"},
		OpenCode: config.BackendConfig{Bin: "opencode"},
	}
}

func TestCanonicalToolName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"read", "Read"},
		{"Bash", "Bash"},
		{"local_shell", "Bash"},
		{"apply_patch", "Edit"},
		{"web_search", "WebSearch"},
		{"SomethingCustom", "SomethingCustom"},
	}
	for _, tt := range tests {
		if got := canonicalToolName(tt.in); got != tt.want {
			t.Errorf("canonicalToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToolTitle(t *testing.T) {
	workDir := "/work/p1"
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"path inside workdir relativized", "read", `{"file_path":"/work/p1/cmd/main.go"}`, "Read cmd/main.go"},
		{"path outside workdir kept", "read", `{"file_path":"/etc/hosts"}`, "Read /etc/hosts"},
		{"command first line only", "bash", `{"command":"ls -la\necho hi"}`, "Bash ls -la"},
		{"grep pattern", "grep", `{"pattern":"func main"}`, "Grep func main"},
		{"no input", "task", ``, "Task"},
		{"malformed input", "read", `{"file_path":`, "Read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toolTitle(tt.tool, json.RawMessage(tt.input), workDir)
			if got != tt.want {
				t.Errorf("toolTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolTitleTruncatesLongArgs(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	input, _ := json.Marshal(map[string]string{"command": string(long)})
	got := toolTitle("bash", input, "")
	if len(got) > len("Bash ")+120 {
		t.Errorf("title not truncated: %d chars", len(got))
	}
}

func TestResolveModel(t *testing.T) {
	tests := []struct{ backend, in, want string }{
		{BackendClaude, "opus", "claude-opus-4"},
		{BackendClaude, "Sonnet", "claude-sonnet-4"},
		{BackendCodex, "codex-mini", "codex-mini-latest"},
		{BackendClaude, "claude-custom-build", "claude-custom-build"},
		{BackendQwen, "", ""},
		{BackendOpenCode, "whatever", "whatever"},
	}
	for _, tt := range tests {
		if got := resolveModel(tt.backend, tt.in); got != tt.want {
			t.Errorf("resolveModel(%s, %q) = %q, want %q", tt.backend, tt.in, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testBackends())
	for _, backend := range r.Backends() {
		a, err := r.New(backend, "session")
		if err != nil {
			t.Fatalf("New(%s): %v", backend, err)
		}
		if a.Backend() != backend {
			t.Errorf("Backend() = %q, want %q", a.Backend(), backend)
		}
	}
	if _, err := r.New("gemini", "session"); err == nil {
		t.Error("unknown backend must error")
	}
	if r.Known("gemini") {
		t.Error("Known(gemini) = true")
	}
}

func TestLineBuffer(t *testing.T) {
	var lb lineBuffer
	lines := lb.split([]byte("one\ntwo\r\npart"))
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("lines = %v", lines)
	}
	lines = lb.split([]byte("ial\n"))
	if len(lines) != 1 || lines[0] != "partial" {
		t.Fatalf("reassembled = %v", lines)
	}
	if rest := lb.rest(); rest != "" {
		t.Errorf("rest = %q", rest)
	}

	lb.split([]byte("tail without newline"))
	if rest := lb.rest(); rest != "tail without newline" {
		t.Errorf("rest = %q", rest)
	}
}
