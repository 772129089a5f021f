// Package supervisor owns the lifecycle of backend agent processes:
// admission, spawn, the decode loop, termination and the per-project
// run queue. At most one agent runs per project; later submissions
// wait in FIFO order.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codedeck/agentd/internal/adapter"
	"github.com/codedeck/agentd/internal/assembly"
	"github.com/codedeck/agentd/internal/bus"
	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/marker"
	"github.com/codedeck/agentd/internal/metrics"
	"github.com/codedeck/agentd/internal/request"
	"github.com/codedeck/agentd/internal/store"
)

// RunSpec is one admitted unit of work.
type RunSpec struct {
	ProjectID   string
	WorkDir     string
	Instruction string
	Backend     string
	Model       string
	RequestID   string
}

// HintFunc reports which integrations are connected for a project, for
// directive detection on finalized messages. May be nil.
type HintFunc func(projectID string) map[string]bool

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Supervisor struct {
	cfg      *config.Config
	registry *adapter.Registry
	messages store.MessageStore
	bus      *bus.Bus
	tracker  *request.Tracker
	hint     HintFunc

	mu     sync.Mutex
	active map[string]*runHandle
	queues map[string][]RunSpec
	closed bool
	wg     sync.WaitGroup
}

func New(cfg *config.Config, registry *adapter.Registry, messages store.MessageStore, b *bus.Bus, tracker *request.Tracker, hint HintFunc) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		messages: messages,
		bus:      b,
		tracker:  tracker,
		hint:     hint,
		active:   make(map[string]*runHandle),
		queues:   make(map[string][]RunSpec),
	}
}

// Run admits a run. If the project already has an active agent the
// run queues behind it; validation failures are returned immediately
// and nothing is spawned.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) error {
	workDir, err := s.resolveWorkDir(spec.WorkDir)
	if err != nil {
		s.tracker.MarkFailed(ctx, spec.RequestID, err.Error())
		return err
	}
	spec.WorkDir = workDir

	if !s.registry.Known(spec.Backend) {
		err := fmt.Errorf("unknown backend %q", spec.Backend)
		s.tracker.MarkFailed(ctx, spec.RequestID, err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("supervisor shutting down")
	}
	if _, busy := s.active[spec.ProjectID]; busy {
		if len(s.queues[spec.ProjectID]) >= s.cfg.Run.QueueMax {
			err := fmt.Errorf("project %s: run queue full", spec.ProjectID)
			s.tracker.MarkFailed(ctx, spec.RequestID, err.Error())
			return err
		}
		s.queues[spec.ProjectID] = append(s.queues[spec.ProjectID], spec)
		metrics.QueuedRuns.Inc()
		log.Printf("[supervisor] project %s busy, queued run (depth %d)", spec.ProjectID, len(s.queues[spec.ProjectID]))
		return nil
	}
	s.startLocked(spec)
	return nil
}

// Cancel terminates the project's active run, if any. Queued runs are
// not affected; the next one starts once the active run exits.
func (s *Supervisor) Cancel(projectID string) error {
	s.mu.Lock()
	handle, ok := s.active[projectID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("project %s: no active run", projectID)
	}
	handle.cancel()
	return nil
}

// Active reports whether the project has a running agent.
func (s *Supervisor) Active(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[projectID]
	return ok
}

// Shutdown cancels every active run and waits for them to finish.
// Queued runs are dropped and marked failed.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	for projectID, queued := range s.queues {
		for _, spec := range queued {
			s.tracker.MarkFailed(ctx, spec.RequestID, "daemon shutting down")
			metrics.QueuedRuns.Dec()
		}
		delete(s.queues, projectID)
	}
	for _, handle := range s.active {
		handle.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[supervisor] shutdown timed out waiting for runs")
	}
}

func (s *Supervisor) startLocked(spec RunSpec) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.active[spec.ProjectID] = handle
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		s.execute(ctx, spec)
		s.finished(spec.ProjectID)
	}()
}

// finished releases the project slot and starts the next queued run.
func (s *Supervisor) finished(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, projectID)
	if s.closed {
		return
	}
	queue := s.queues[projectID]
	if len(queue) == 0 {
		delete(s.queues, projectID)
		return
	}
	next := queue[0]
	s.queues[projectID] = queue[1:]
	metrics.QueuedRuns.Dec()
	log.Printf("[supervisor] project %s: starting queued run", projectID)
	s.startLocked(next)
}

// resolveWorkDir confines the working directory to the projects root
// and creates it if absent.
func (s *Supervisor) resolveWorkDir(dir string) (string, error) {
	root, err := filepath.Abs(s.cfg.Projects.Root)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", fmt.Errorf("empty working directory")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %s escapes projects root", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return dir, nil
}

func (s *Supervisor) execute(ctx context.Context, spec RunSpec) {
	sessionID := uuid.NewString()
	ad, err := s.registry.New(spec.Backend, sessionID)
	if err != nil {
		s.tracker.MarkFailed(ctx, spec.RequestID, err.Error())
		return
	}

	connected := map[string]bool{}
	if s.hint != nil {
		connected = s.hint(spec.ProjectID)
	}
	asm := assembly.New(spec.ProjectID, sessionID, spec.RequestID, spec.Backend, s.messages, s.bus, marker.NewDetector(connected))

	s.tracker.MarkProcessing(ctx, spec.RequestID)
	inv := ad.BuildInvocation(spec.Instruction, spec.Model, spec.WorkDir)
	proc, err := startProcess(inv, spec.WorkDir, s.cfg.Run.StderrRingLines)
	if err != nil {
		reason := fmt.Sprintf("spawn %s: %v", spec.Backend, err)
		log.Printf("[supervisor] project %s: %s", spec.ProjectID, reason)
		s.tracker.MarkFailed(ctx, spec.RequestID, reason)
		asm.Fail(ctx, reason)
		metrics.RunsTotal.WithLabelValues(spec.Backend, "spawn_error").Inc()
		return
	}
	log.Printf("[supervisor] project %s: started %s pid=%d session=%s", spec.ProjectID, spec.Backend, proc.pid, sessionID)
	s.tracker.MarkRunning(ctx, spec.RequestID)
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	grace := time.Duration(s.cfg.Run.KillGraceMs) * time.Millisecond
	idle := time.Duration(s.cfg.Run.IdleTimeoutMs) * time.Millisecond
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	var stopReason string
	terminate := func(reason string) {
		if stopReason == "" {
			stopReason = reason
			log.Printf("[supervisor] project %s: terminating pid=%d: %s", spec.ProjectID, proc.pid, reason)
			proc.terminate(grace)
		}
	}

	ctxDone := ctx.Done()
loop:
	for {
		select {
		case chunk, ok := <-proc.output:
			if !ok {
				break loop
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idle)
			for _, ev := range ad.Decode(chunk) {
				metrics.EventsDecoded.WithLabelValues(spec.Backend, string(ev.Kind)).Inc()
				asm.Handle(ctx, ev)
			}
		case <-idleTimer.C:
			terminate("idle timeout")
		case <-ctxDone:
			terminate("canceled")
			ctxDone = nil
		}
	}

	waitErr := proc.wait()
	for _, ev := range ad.Flush() {
		metrics.EventsDecoded.WithLabelValues(spec.Backend, string(ev.Kind)).Inc()
		asm.Handle(ctx, ev)
	}
	asm.FinalizeSession(ctx)

	switch {
	case stopReason != "":
		reason := fmt.Sprintf("run stopped: %s", stopReason)
		s.tracker.MarkFailed(ctx, spec.RequestID, reason)
		asm.Fail(ctx, reason)
		metrics.RunsTotal.WithLabelValues(spec.Backend, "stopped").Inc()
	case waitErr != nil:
		reason := fmt.Sprintf("%s exited: %v", spec.Backend, waitErr)
		if excerpt := proc.stderrExcerpt(); excerpt != "" {
			reason += "\n" + excerpt
		}
		s.tracker.MarkFailed(ctx, spec.RequestID, reason)
		asm.Fail(ctx, reason)
		metrics.RunsTotal.WithLabelValues(spec.Backend, "failed").Inc()
	default:
		s.tracker.MarkCompleted(ctx, spec.RequestID)
		metrics.RunsTotal.WithLabelValues(spec.Backend, "completed").Inc()
	}
	log.Printf("[supervisor] project %s: run finished session=%s err=%v", spec.ProjectID, sessionID, waitErr)
}
