// Package store defines the persistence ports the core depends on.
// The daemon treats the message store and project lookup as opaque
// external collaborators; the memory subpackage provides the
// implementation used by the daemon and the tests.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Project identifies a working directory and default backend/model
// pair. Projects are created by external project-management code; the
// core only reads them.
type Project struct {
	ID               string
	Name             string
	Path             string
	PreferredBackend string
	PreferredModel   string
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestRunning    RequestStatus = "running"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Request is one user instruction submitted against a project. The id
// is caller-supplied and acts as an idempotency key.
type Request struct {
	ID          string
	ProjectID   string
	Instruction string
	Backend     string
	Status      RequestStatus
	Error       string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type MessageType string

const (
	MessageChat       MessageType = "chat"
	MessageReasoning  MessageType = "reasoning"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageError      MessageType = "error"
	MessageAction     MessageType = "action"
)

// Message is the durable record written when an assembly buffer entry
// finalizes. Immutable after creation.
type Message struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id,omitempty"`
	Role      Role              `json:"role"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Backend   string            `json:"backend,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type ProjectStore interface {
	GetProjectByID(ctx context.Context, id string) (Project, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	ListRecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error)
}

type RequestStore interface {
	GetRequest(ctx context.Context, id string) (Request, error)
	UpsertRequest(ctx context.Context, req Request) (Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status RequestStatus, errMsg string) error
}
