package worktree

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/events"
)

// DetectConflicts simulates merging the task's branch into the current
// checkout of the main repository. The simulation never leaves the
// repository mid-merge: the merge is aborted regardless of outcome.
func (m *Manager) DetectConflicts(ctx context.Context, taskID string) (*ConflictReport, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrEmptyTaskID
	}
	branch := m.BranchName(taskID)

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	if err := m.requireBranch(ctx, taskID, branch); err != nil {
		return nil, err
	}
	return m.simulateMerge(ctx, branch)
}

// simulateMerge runs under repoMu.
func (m *Manager) simulateMerge(ctx context.Context, branch string) (*ConflictReport, error) {
	_, mergeErr := runGit(ctx, m.cfg.ProjectRoot, "merge", "--no-commit", "--no-ff", branch)

	out, diffErr := runGit(ctx, m.cfg.ProjectRoot, "diff", "--name-only", "--diff-filter=U")
	files := splitLines(out)

	// Abort unconditionally so a clean --no-commit merge is not left staged.
	if _, err := runGit(ctx, m.cfg.ProjectRoot, "merge", "--abort"); err != nil {
		m.logger.Debug("merge abort failed", zap.Error(err))
	}

	if mergeErr != nil && len(files) == 0 {
		// The merge failed for a reason other than content conflicts,
		// e.g. uncommitted local changes in the checkout.
		return nil, mergeErr
	}
	if diffErr != nil {
		return nil, diffErr
	}

	return &ConflictReport{HasConflicts: len(files) > 0, Files: files}, nil
}

// Merge merges the task's branch into the current checkout of the main
// repository. It simulates first; on conflicts it publishes
// worktree:conflict and reports failure without touching the checkout.
func (m *Manager) Merge(ctx context.Context, taskID string) (*MergeResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrEmptyTaskID
	}
	branch := m.BranchName(taskID)

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	if err := m.requireBranch(ctx, taskID, branch); err != nil {
		return nil, err
	}

	target, err := m.currentBranch(ctx)
	if err != nil {
		return nil, err
	}

	report, err := m.simulateMerge(ctx, branch)
	if err != nil {
		return nil, err
	}
	if report.HasConflicts {
		m.logger.Warn("merge would conflict",
			zap.String("task_id", taskID),
			zap.String("target", target),
			zap.Strings("files", report.Files))
		if m.bus != nil {
			m.bus.Publish(events.WorktreeConflict{
				TaskID:       taskID,
				TargetBranch: target,
				Files:        report.Files,
			})
		}
		return &MergeResult{Success: false, Conflicts: report.Files}, nil
	}

	msg := fmt.Sprintf("Merge %s", branch)
	if _, err := runGit(ctx, m.cfg.ProjectRoot, "merge", "--no-ff", "-m", msg, branch); err != nil {
		return nil, err
	}

	out, err := runGit(ctx, m.cfg.ProjectRoot, "diff", "--name-only", "HEAD^1", "HEAD")
	if err != nil {
		return nil, err
	}
	merged := splitLines(out)

	m.logger.Info("merged worktree branch",
		zap.String("task_id", taskID),
		zap.String("target", target),
		zap.Int("files", len(merged)))

	if m.bus != nil {
		m.bus.Publish(events.WorktreeMerged{
			TaskID:       taskID,
			TargetBranch: target,
			MergedFiles:  merged,
		})
	}

	return &MergeResult{Success: true, MergedFiles: merged}, nil
}

// requireBranch reports ErrWorktreeNotFound when the task's branch does
// not exist, which means no worktree was ever created for the task or it
// was already cleaned up with its branch deleted.
func (m *Manager) requireBranch(ctx context.Context, taskID, branch string) error {
	if _, err := runGit(ctx, m.cfg.ProjectRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, taskID)
	}
	return nil
}

func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	out, err := runGit(ctx, m.cfg.ProjectRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
