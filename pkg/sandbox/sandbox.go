// Package sandbox implements C10, the isolated execution environment each
// task runs in. Lifecycle bookkeeping (goroutine-per-sandbox,
// context.CancelFunc, done channel, atomic pending counter) is a direct
// generalization of the teacher's SubAgentRunner/subAgentExecution
// machinery from "sub-agent execution" to "task sandbox".
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/sandbox"
	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
)

// ErrMaxConcurrentSandboxes is returned by Spawn calls when the configured
// concurrency ceiling would be exceeded.
var ErrMaxConcurrentSandboxes = errors.New("sandbox: max concurrent sandboxes exceeded")

// RuntimeClient is the control-plane contract pkg/runtimerpc implements for
// type=remote sandboxes — a thin wrapper over a gRPC connection to the
// runtime process, grounded on the teacher's GRPCLLMClient.
type RuntimeClient interface {
	StartSession(ctx context.Context, sandboxID, workspacePath, branchName string) error
	TerminateSession(ctx context.Context, sandboxID string) error
	// StreamTranscript hydrates a resumed sandbox's session transcript, the
	// same role played by GRPCLLMClient.Generate's streaming Recv loop.
	StreamTranscript(ctx context.Context, sandboxID string) (<-chan string, error)
}

// execHandle tracks one live sandbox's cancellation and completion signal.
type execHandle struct {
	sandboxID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Spawner is C10: it creates Sandbox rows, derives workspace/branch names
// per the per-task branching model, and owns the goroutine lifecycle of
// every sandbox it spawns until Terminate.
type Spawner struct {
	client *ent.Client
	parent context.Context
	remote RuntimeClient

	workspaceRoot string
	maxConcurrent int

	mu       sync.Mutex
	handles  map[string]*execHandle
	reserved int
	pending  int32
}

// Config controls Spawner behavior.
type Config struct {
	WorkspaceRoot string
	MaxConcurrent int
}

// DefaultConfig returns sane defaults, mirroring the teacher's
// Default*Config constructors.
func DefaultConfig() Config {
	return Config{WorkspaceRoot: "/workspace/sandboxes", MaxConcurrent: 10}
}

// New constructs a Spawner. parentCtx is the process-lifetime context
// sandbox goroutines are derived from, never a per-request context, so a
// sandbox outlives the request that spawned it.
func New(parentCtx context.Context, client *ent.Client, remote RuntimeClient, cfg Config) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Spawner{
		client:        client,
		parent:        parentCtx,
		remote:        remote,
		workspaceRoot: cfg.WorkspaceRoot,
		maxConcurrent: cfg.MaxConcurrent,
		handles:       make(map[string]*execHandle),
	}
}

// SpawnForTask creates a sandbox for taskID under ticketID, deriving its
// branch as task/<id> from the ticket branch ticket/<ticketID>, which is
// itself derived from baseBranch. kind selects local/container/remote.
func (s *Spawner) SpawnForTask(ctx context.Context, taskID, ticketID, baseBranch string, kind sandbox.Type) (*ent.Sandbox, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	releaseOnErr := true
	defer func() {
		if releaseOnErr {
			s.release()
		}
	}()

	ticketBranch := fmt.Sprintf("ticket/%s", ticketID)
	taskBranch := fmt.Sprintf("task/%s", taskID)
	workspacePath := fmt.Sprintf("%s/%s", s.workspaceRoot, taskID)

	sb, err := s.client.Sandbox.Create().
		SetID(uuid.NewString()).
		SetTaskID(taskID).
		SetTicketID(ticketID).
		SetWorkspacePath(workspacePath).
		SetBranchName(taskBranch).
		SetBaseBranch(ticketBranch).
		SetType(kind).
		SetStatus(sandbox.StatusStarting).
		Save(ctx)
	if err != nil {
		return nil, corekit.Newf(corekit.KindTransientExternal, "sandbox.SpawnForTask", "create sandbox row: %v", err)
	}

	s.registerAndRun(sb, kind == sandbox.TypeRemote)
	releaseOnErr = false
	return sb, nil
}

// CreateMergeSandbox creates a lightweight sandbox that only checks out the
// ticket's branch — the workspace ConvergenceMerger reconciles source task
// branches into, per spec. It does not carry a single owning task id, so
// task_id is set to the continuation task id that will ultimately run there.
func (s *Spawner) CreateMergeSandbox(ctx context.Context, continuationTaskID, ticketID string, kind sandbox.Type) (*ent.Sandbox, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	releaseOnErr := true
	defer func() {
		if releaseOnErr {
			s.release()
		}
	}()

	ticketBranch := fmt.Sprintf("ticket/%s", ticketID)
	mergeBranch := fmt.Sprintf("merge/%s", continuationTaskID)
	workspacePath := fmt.Sprintf("%s/merge/%s", s.workspaceRoot, continuationTaskID)

	sb, err := s.client.Sandbox.Create().
		SetID(uuid.NewString()).
		SetTaskID(continuationTaskID).
		SetTicketID(ticketID).
		SetWorkspacePath(workspacePath).
		SetBranchName(mergeBranch).
		SetBaseBranch(ticketBranch).
		SetType(kind).
		SetStatus(sandbox.StatusStarting).
		Save(ctx)
	if err != nil {
		return nil, corekit.Newf(corekit.KindTransientExternal, "sandbox.CreateMergeSandbox", "create merge sandbox row: %v", err)
	}

	s.registerAndRun(sb, kind == sandbox.TypeRemote)
	releaseOnErr = false
	return sb, nil
}

// registerAndRun transitions sb to running and, for remote sandboxes,
// starts the control-plane session in a goroutine that owns sb's lifetime
// until Terminate cancels it.
func (s *Spawner) registerAndRun(sb *ent.Sandbox, isRemote bool) {
	execCtx, cancel := context.WithCancel(s.parent)
	h := &execHandle{sandboxID: sb.ID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.handles[sb.ID] = h
	s.reserved--
	s.mu.Unlock()
	atomic.AddInt32(&s.pending, 1)

	go s.run(execCtx, h, sb.WorkspacePath, sb.BranchName, isRemote)
}

func (s *Spawner) run(ctx context.Context, h *execHandle, workspacePath, branchName string, isRemote bool) {
	defer close(h.done)
	defer atomic.AddInt32(&s.pending, -1)

	if isRemote && s.remote != nil {
		if err := s.remote.StartSession(ctx, h.sandboxID, workspacePath, branchName); err != nil {
			_, _ = s.client.Sandbox.UpdateOneID(h.sandboxID).
				SetStatus(sandbox.StatusTerminated).
				SetTerminatedAt(time.Now()).
				Save(context.Background())
			return
		}
	}

	_, _ = s.client.Sandbox.UpdateOneID(h.sandboxID).
		SetStatus(sandbox.StatusRunning).
		Save(context.Background())

	<-ctx.Done()
}

// Terminate cancels the sandbox's goroutine, tells the remote runtime (if
// any) to tear down its session, and marks the row terminated.
func (s *Spawner) Terminate(ctx context.Context, sandboxID string) error {
	s.mu.Lock()
	h, ok := s.handles[sandboxID]
	s.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}

	if s.remote != nil {
		_ = s.remote.TerminateSession(ctx, sandboxID)
	}

	_, err := s.client.Sandbox.UpdateOneID(sandboxID).
		SetStatus(sandbox.StatusTerminated).
		SetTerminatedAt(time.Now()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("sandbox.Terminate: mark terminated: %w", err)
	}

	s.mu.Lock()
	delete(s.handles, sandboxID)
	s.mu.Unlock()
	return nil
}

// Pending reports how many sandboxes have not yet terminated.
func (s *Spawner) Pending() int { return int(atomic.LoadInt32(&s.pending)) }

func (s *Spawner) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles)+s.reserved >= s.maxConcurrent {
		return ErrMaxConcurrentSandboxes
	}
	s.reserved++
	return nil
}

func (s *Spawner) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}
