// Package claudesync imports chat history created by the Claude CLI
// outside the daemon. It watches the CLI's projects directory for new
// or grown .jsonl transcripts and persists their user and assistant
// records as messages, so sessions run directly in a terminal still
// show up for subscribers of the same project.
package claudesync

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/codedeck/agentd/internal/store"
)

// Resolver maps a transcript directory name (the CLI's munged project
// path) to a project id. Returning false skips the directory.
type Resolver func(transcriptDir string) (string, bool)

// MungePath converts a filesystem path into the directory name the
// Claude CLI uses under its projects root.
func MungePath(path string) string {
	return strings.ReplaceAll(path, string(filepath.Separator), "-")
}

type Syncer struct {
	root     string
	messages store.MessageStore
	resolve  Resolver

	mu      sync.Mutex
	offsets map[string]int64
	seen    map[string]struct{}
}

func New(root string, messages store.MessageStore, resolve Resolver) *Syncer {
	return &Syncer{
		root:     root,
		messages: messages,
		resolve:  resolve,
		offsets:  make(map[string]int64),
		seen:     make(map[string]struct{}),
	}
}

// Run scans existing transcripts, then watches for changes until the
// context is done. A missing root is not an error; the CLI may never
// have run on this machine.
func (s *Syncer) Run(ctx context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		log.Printf("[claudesync] root %s absent, transcript import disabled", s.root)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		if err := watcher.Add(dir); err != nil {
			log.Printf("[claudesync] watch %s: %v", dir, err)
			continue
		}
		s.syncDir(ctx, dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, watcher, evt)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[claudesync] watcher error: %v", err)
		}
	}
}

func (s *Syncer) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, evt fsnotify.Event) {
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(evt.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if filepath.Dir(evt.Name) == filepath.Clean(s.root) {
			if err := watcher.Add(evt.Name); err != nil {
				log.Printf("[claudesync] watch %s: %v", evt.Name, err)
			}
		}
		return
	}
	if filepath.Ext(evt.Name) == ".jsonl" {
		s.syncFile(ctx, evt.Name)
	}
}

func (s *Syncer) syncDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		s.syncFile(ctx, filepath.Join(dir, entry.Name()))
	}
}

// transcriptRecord is one line of a CLI session transcript. Content is
// either a plain string or a list of typed blocks.
type transcriptRecord struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

func (s *Syncer) syncFile(ctx context.Context, path string) {
	projectID, ok := s.resolve(filepath.Base(filepath.Dir(path)))
	if !ok {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Printf("[claudesync] open %s: %v", path, err)
		return
	}
	defer f.Close()

	s.mu.Lock()
	offset := s.offsets[path]
	s.mu.Unlock()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReaderSize(f, 1024*1024)
	consumed := offset
	imported := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A trailing line with no newline may be a record the CLI
			// has only half flushed. Leave it unconsumed so the next
			// sync re-reads it whole.
			if err != io.EOF {
				log.Printf("[claudesync] read %s: %v", path, err)
				return
			}
			break
		}
		consumed += int64(len(line))
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			continue
		}
		if s.importRecord(ctx, projectID, rec) {
			imported++
		}
	}

	s.mu.Lock()
	s.offsets[path] = consumed
	s.mu.Unlock()
	if imported > 0 {
		log.Printf("[claudesync] imported %d messages from %s", imported, filepath.Base(path))
	}
}

// importRecord persists one transcript record. Records without a uuid,
// with an unknown type, or already imported are skipped.
func (s *Syncer) importRecord(ctx context.Context, projectID string, rec transcriptRecord) bool {
	if rec.UUID == "" {
		return false
	}
	var role store.Role
	switch rec.Type {
	case "user":
		role = store.RoleUser
	case "assistant":
		role = store.RoleAssistant
	default:
		return false
	}
	text := flattenContent(rec.Message.Content)
	if text == "" {
		return false
	}

	s.mu.Lock()
	if _, dup := s.seen[rec.UUID]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[rec.UUID] = struct{}{}
	s.mu.Unlock()

	createdAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
		createdAt = ts.UTC()
	}
	_, err := s.messages.CreateMessage(ctx, store.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		SessionID: rec.SessionID,
		Role:      role,
		Type:      store.MessageChat,
		Content:   text,
		Metadata:  map[string]string{"transcript_uuid": rec.UUID, "imported": "true"},
		Backend:   "claude",
		CreatedAt: createdAt,
	})
	if err != nil {
		log.Printf("[claudesync] persist transcript record %s: %v", rec.UUID, err)
		return false
	}
	return true
}

// flattenContent extracts the text of a transcript content field,
// ignoring tool blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
