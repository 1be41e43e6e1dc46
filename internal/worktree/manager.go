// Package worktree provisions and reaps isolated git checkouts, one per task.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
)

// Config holds worktree manager configuration.
type Config struct {
	// ProjectRoot is the git repository the orchestrator operates on.
	ProjectRoot string
	// Dir is the directory name under ProjectRoot that holds worktrees.
	Dir string
	// BaseBranch is the default branch worktrees are created from.
	BaseBranch string
	// BranchPrefix is prepended to per-task branch names.
	BranchPrefix string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Dir == "" {
		cfg.Dir = ".substrate-worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "substrate/task-"
	}
	return cfg
}

// TaskStore is the slice of the persistence layer the manager needs.
type TaskStore interface {
	SetTaskWorktree(ctx context.Context, sessionID, taskID, path string) error
	SetTaskWorktreeCleaned(ctx context.Context, sessionID, taskID string) error
	IsTaskRunningAnywhere(ctx context.Context, taskID string) (bool, error)
}

// CreateResult reports a provisioned worktree.
type CreateResult struct {
	WorktreePath string
	BranchName   string
}

// ConflictReport is the outcome of a merge simulation.
type ConflictReport struct {
	HasConflicts bool
	Files        []string
}

// MergeResult reports a merge attempt into a target branch.
type MergeResult struct {
	Success     bool
	MergedFiles []string
	Conflicts   []string
}

type jobKind int

const (
	jobCreate jobKind = iota
	jobCleanup
)

type job struct {
	kind      jobKind
	sessionID string
	taskID    string
}

// Manager owns the per-task worktree lifecycle. Bus handlers only enqueue
// work; git commands run on the manager's own goroutine.
type Manager struct {
	cfg    Config
	store  TaskStore
	bus    *events.Bus
	logger *logger.Logger

	// repoMu serializes git mutations against the main repository.
	repoMu sync.Mutex

	jobs chan job
	subs []*events.Subscription
	wg   sync.WaitGroup
	stop sync.Once
}

// NewManager creates a worktree manager and ensures the base directory exists.
func NewManager(cfg Config, store TaskStore, bus *events.Bus, log *logger.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.ProjectRoot == "" {
		return nil, fmt.Errorf("project root is required")
	}
	if log == nil {
		log = logger.Default()
	}

	if err := os.MkdirAll(filepath.Join(cfg.ProjectRoot, cfg.Dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "worktree-manager")),
		jobs:   make(chan job, 64),
	}, nil
}

// VerifyGitVersion fails when the installed git predates worktree support.
func (m *Manager) VerifyGitVersion(ctx context.Context) error {
	out, err := runGit(ctx, m.cfg.ProjectRoot, "version")
	if err != nil {
		return fmt.Errorf("failed to run git: %w", err)
	}
	major, minor, err := parseGitVersion(out)
	if err != nil {
		return err
	}
	if !gitVersionSupported(major, minor) {
		return fmt.Errorf("%w (found %d.%d)", ErrGitTooOld, major, minor)
	}
	return nil
}

// Start registers bus subscriptions and launches the worker goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.subs = append(m.subs,
		m.bus.Subscribe(events.TaskReadyKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskReady)
			m.enqueue(job{kind: jobCreate, sessionID: p.SessionID, taskID: p.TaskID})
		}),
		m.bus.Subscribe(events.TaskCompleteKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskComplete)
			m.enqueue(job{kind: jobCleanup, sessionID: p.SessionID, taskID: p.TaskID})
		}),
		m.bus.Subscribe(events.TaskFailedKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskFailed)
			m.enqueue(job{kind: jobCleanup, sessionID: p.SessionID, taskID: p.TaskID})
		}),
		m.bus.Subscribe(events.TaskCancelledKind, func(env events.Envelope) {
			p := env.Payload.(events.TaskCancelled)
			m.enqueue(job{kind: jobCleanup, sessionID: p.SessionID, taskID: p.TaskID})
		}),
	)

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop unsubscribes from the bus and drains the worker.
func (m *Manager) Stop() {
	m.stop.Do(func() {
		for _, sub := range m.subs {
			sub.Unsubscribe()
		}
		close(m.jobs)
	})
	m.wg.Wait()
}

func (m *Manager) enqueue(j job) {
	select {
	case m.jobs <- j:
	default:
		m.logger.Warn("worktree job queue full, dropping job",
			zap.String("task_id", j.taskID))
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for j := range m.jobs {
		switch j.kind {
		case jobCreate:
			if _, err := m.Create(ctx, j.sessionID, j.taskID, ""); err != nil {
				m.logger.Error("failed to create worktree",
					zap.String("task_id", j.taskID),
					zap.Error(err))
			}
		case jobCleanup:
			m.Cleanup(ctx, j.sessionID, j.taskID)
		}
	}
}

// BranchName returns the branch used for a task's worktree.
func (m *Manager) BranchName(taskID string) string {
	return m.cfg.BranchPrefix + taskID
}

// WorktreePath returns the checkout directory used for a task.
func (m *Manager) WorktreePath(taskID string) string {
	return filepath.Join(m.cfg.ProjectRoot, m.cfg.Dir, taskID)
}

// Create atomically provisions a branch and worktree for the task off
// baseBranch (the configured default when empty) and records the path.
func (m *Manager) Create(ctx context.Context, sessionID, taskID, baseBranch string) (*CreateResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrEmptyTaskID
	}
	if baseBranch == "" {
		baseBranch = m.cfg.BaseBranch
	}

	branch := m.BranchName(taskID)
	path := m.WorktreePath(taskID)

	m.repoMu.Lock()
	// git worktree add -b creates branch and checkout in one step.
	_, err := runGit(ctx, m.cfg.ProjectRoot, "worktree", "add", "-b", branch, path, baseBranch)
	m.repoMu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.SetTaskWorktree(ctx, sessionID, taskID, path); err != nil {
			m.logger.Warn("failed to record worktree path",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}

	m.logger.Info("created worktree",
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch))

	if m.bus != nil {
		m.bus.Publish(events.WorktreeCreated{
			SessionID: sessionID,
			TaskID:    taskID,
			Path:      path,
			Branch:    branch,
		})
	}

	return &CreateResult{WorktreePath: path, BranchName: branch}, nil
}

// Cleanup removes a task's worktree directory and branch. It is
// best-effort and idempotent: failures are logged, never returned.
func (m *Manager) Cleanup(ctx context.Context, sessionID, taskID string) {
	if strings.TrimSpace(taskID) == "" {
		return
	}

	path := m.WorktreePath(taskID)
	branch := m.BranchName(taskID)

	m.repoMu.Lock()
	m.removeWorktreeDir(ctx, path)
	if _, err := runGit(ctx, m.cfg.ProjectRoot, "branch", "-D", branch); err != nil {
		m.logger.Debug("failed to delete branch", zap.String("branch", branch), zap.Error(err))
	}
	m.repoMu.Unlock()

	if m.store != nil {
		if err := m.store.SetTaskWorktreeCleaned(ctx, sessionID, taskID); err != nil {
			m.logger.Warn("failed to record worktree cleanup",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("task_id", taskID),
		zap.String("path", path))

	if m.bus != nil {
		m.bus.Publish(events.WorktreeRemoved{TaskID: taskID, Path: path})
	}
}

// CleanupAll scans the base directory and reaps every worktree whose task
// is not running, returning the count actually removed.
func (m *Manager) CleanupAll(ctx context.Context) (int, error) {
	base := filepath.Join(m.cfg.ProjectRoot, m.cfg.Dir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read worktree directory: %w", err)
	}

	reaped := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()

		if m.store != nil {
			running, err := m.store.IsTaskRunningAnywhere(ctx, taskID)
			if err != nil {
				m.logger.Warn("failed to check task status, skipping worktree",
					zap.String("task_id", taskID),
					zap.Error(err))
				continue
			}
			if running {
				m.logger.Debug("skipping worktree of running task",
					zap.String("task_id", taskID))
				continue
			}
		}

		m.Cleanup(ctx, "", taskID)
		reaped++
	}

	return reaped, nil
}

// removeWorktreeDir removes a worktree directory using git worktree
// remove, falling back to direct removal plus prune.
func (m *Manager) removeWorktreeDir(ctx context.Context, path string) {
	if _, err := runGit(ctx, m.cfg.ProjectRoot, "worktree", "remove", "--force", path); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.Error(err))

		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to remove worktree directory",
				zap.String("path", path),
				zap.Error(err))
		}
		if _, err := runGit(ctx, m.cfg.ProjectRoot, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
}
