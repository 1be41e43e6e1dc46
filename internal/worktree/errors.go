package worktree

import "errors"

var (
	// ErrGitTooOld indicates the installed git predates worktree support
	// we rely on (2.20).
	ErrGitTooOld = errors.New("git too old: version 2.20 or newer is required, please upgrade git")
	// ErrEmptyTaskID indicates a blank task id was passed to Create.
	ErrEmptyTaskID = errors.New("task id must not be empty")
	// ErrGitCommandFailed wraps a non-zero git invocation.
	ErrGitCommandFailed = errors.New("git command failed")
	// ErrWorktreeNotFound indicates no worktree exists for the task.
	ErrWorktreeNotFound = errors.New("worktree not found")
)
