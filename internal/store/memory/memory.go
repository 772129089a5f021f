// Package memory provides in-memory implementations of the store
// ports. Suitable for a single-process daemon and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codedeck/agentd/internal/store"
)

type ProjectStore struct {
	mu       sync.RWMutex
	projects map[string]store.Project
}

func NewProjectStore() *ProjectStore {
	return &ProjectStore{projects: make(map[string]store.Project)}
}

func (s *ProjectStore) PutProject(p store.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *ProjectStore) GetProjectByID(_ context.Context, id string) (store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (s *ProjectStore) ListProjects() []store.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type MessageStore struct {
	mu        sync.RWMutex
	byProject map[string][]store.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byProject: make(map[string][]store.Message)}
}

func (s *MessageStore) CreateMessage(_ context.Context, msg store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.byProject[msg.ProjectID] = append(s.byProject[msg.ProjectID], msg)
	return msg, nil
}

func (s *MessageStore) ListRecentMessages(_ context.Context, projectID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byProject[projectID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]store.Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

// CountMessages reports the number of messages stored for a project.
func (s *MessageStore) CountMessages(projectID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byProject[projectID])
}

type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]store.Request
}

func NewRequestStore() *RequestStore {
	return &RequestStore{requests: make(map[string]store.Request)}
}

func (s *RequestStore) GetRequest(_ context.Context, id string) (store.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return store.Request{}, store.ErrNotFound
	}
	return req, nil
}

func (s *RequestStore) UpsertRequest(_ context.Context, req store.Request) (store.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.requests[req.ID]; ok {
		existing.Instruction = req.Instruction
		existing.Backend = req.Backend
		existing.ProjectID = req.ProjectID
		if req.Status != "" {
			existing.Status = req.Status
		}
		existing.UpdatedAt = now
		s.requests[req.ID] = existing
		return existing, nil
	}
	if req.Status == "" {
		req.Status = store.RequestPending
	}
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[req.ID] = req
	return req, nil
}

func (s *RequestStore) UpdateRequestStatus(_ context.Context, id string, status store.RequestStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	req.Status = status
	req.UpdatedAt = now
	switch status {
	case store.RequestCompleted:
		req.Error = ""
		req.CompletedAt = &now
	case store.RequestFailed:
		req.Error = errMsg
		req.CompletedAt = &now
	default:
		req.Error = errMsg
	}
	s.requests[id] = req
	return nil
}

// ListRequests returns all requests ordered by creation time, oldest
// first. Used by tests and status endpoints.
func (s *RequestStore) ListRequests() []store.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
