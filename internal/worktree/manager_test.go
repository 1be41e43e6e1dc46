package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/events"
)

type fakeStore struct {
	mu      sync.Mutex
	paths   map[string]string
	cleaned map[string]bool
	running map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		paths:   make(map[string]string),
		cleaned: make(map[string]bool),
		running: make(map[string]bool),
	}
}

func (f *fakeStore) SetTaskWorktree(_ context.Context, _, taskID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[taskID] = path
	return nil
}

func (f *fakeStore) SetTaskWorktreeCleaned(_ context.Context, _, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned[taskID] = true
	return nil
}

func (f *fakeStore) IsTaskRunningAnywhere(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[taskID], nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	ctx := context.Background()
	root := t.TempDir()

	mustGit(t, ctx, root, "init")
	mustGit(t, ctx, root, "checkout", "-b", "main")
	writeFile(t, root, "README.md", "hello\n")
	commit(t, root, "initial commit")
	return root
}

func mustGit(t *testing.T, ctx context.Context, dir string, args ...string) string {
	t.Helper()
	out, err := runGit(ctx, dir, args...)
	require.NoError(t, err, "git %v: %s", args, out)
	return out
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func commit(t *testing.T, dir, msg string) {
	t.Helper()
	ctx := context.Background()
	mustGit(t, ctx, dir, "add", "-A")
	mustGit(t, ctx, dir,
		"-c", "user.name=test",
		"-c", "user.email=test@example.com",
		"commit", "-m", msg)
}

func newTestManager(t *testing.T, root string, store TaskStore, bus *events.Bus) *Manager {
	t.Helper()
	m, err := NewManager(Config{ProjectRoot: root}, store, bus, logger.Default())
	require.NoError(t, err)
	return m
}

func TestParseGitVersion(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		major   int
		minor   int
		wantErr bool
	}{
		{name: "plain", out: "git version 2.39.2\n", major: 2, minor: 39},
		{name: "windows suffix", out: "git version 2.41.0.windows.1", major: 2, minor: 41},
		{name: "garbage", out: "not git", wantErr: true},
		{name: "short version", out: "git version 2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			major, minor, err := parseGitVersion(tt.out)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.major, major)
			assert.Equal(t, tt.minor, minor)
		})
	}
}

func TestGitVersionSupported(t *testing.T) {
	assert.True(t, gitVersionSupported(2, 20))
	assert.True(t, gitVersionSupported(2, 45))
	assert.True(t, gitVersionSupported(3, 0))
	assert.False(t, gitVersionSupported(2, 19))
	assert.False(t, gitVersionSupported(1, 9))
}

func TestCreateRejectsEmptyTaskID(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, nil, nil)

	_, err := m.Create(context.Background(), "s1", "  ", "")
	assert.ErrorIs(t, err, ErrEmptyTaskID)
}

func TestCreateAndCleanup(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	store := newFakeStore()
	bus := events.NewBus(logger.Default())

	var created []events.WorktreeCreated
	var removed []events.WorktreeRemoved
	bus.Subscribe(events.WorktreeCreatedKind, func(env events.Envelope) {
		created = append(created, env.Payload.(events.WorktreeCreated))
	})
	bus.Subscribe(events.WorktreeRemovedKind, func(env events.Envelope) {
		removed = append(removed, env.Payload.(events.WorktreeRemoved))
	})

	m := newTestManager(t, root, store, bus)
	res, err := m.Create(ctx, "s1", "task-a", "")
	require.NoError(t, err)
	assert.Equal(t, "substrate/task-task-a", res.BranchName)
	assert.DirExists(t, res.WorktreePath)
	assert.Equal(t, res.WorktreePath, store.paths["task-a"])
	require.Len(t, created, 1)
	assert.Equal(t, "task-a", created[0].TaskID)

	// Branch must exist.
	mustGit(t, ctx, root, "rev-parse", "--verify", res.BranchName)

	m.Cleanup(ctx, "s1", "task-a")
	assert.NoDirExists(t, res.WorktreePath)
	assert.True(t, store.cleaned["task-a"])
	require.Len(t, removed, 1)

	_, err = runGit(ctx, root, "rev-parse", "--verify", res.BranchName)
	assert.Error(t, err, "branch must be deleted")

	// Cleanup is idempotent.
	m.Cleanup(ctx, "s1", "task-a")
}

func TestCleanupAllSkipsRunningTasks(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	store := newFakeStore()
	m := newTestManager(t, root, store, nil)

	_, err := m.Create(ctx, "s1", "task-a", "")
	require.NoError(t, err)
	_, err = m.Create(ctx, "s1", "task-b", "")
	require.NoError(t, err)

	store.running["task-b"] = true

	reaped, err := m.CleanupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.NoDirExists(t, m.WorktreePath("task-a"))
	assert.DirExists(t, m.WorktreePath("task-b"))
}

func TestDetectConflictsCleanMerge(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	m := newTestManager(t, root, nil, nil)

	res, err := m.Create(ctx, "s1", "task-a", "")
	require.NoError(t, err)

	writeFile(t, res.WorktreePath, "feature.txt", "feature\n")
	commit(t, res.WorktreePath, "add feature")

	report, err := m.DetectConflicts(ctx, "task-a")
	require.NoError(t, err)
	assert.False(t, report.HasConflicts)
	assert.Empty(t, report.Files)

	// The simulation must not leave a staged merge behind.
	status := mustGit(t, ctx, root, "status", "--porcelain")
	assert.Empty(t, status)
}

func TestDetectConflictsReportsFiles(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	m := newTestManager(t, root, nil, nil)

	res, err := m.Create(ctx, "s1", "task-a", "")
	require.NoError(t, err)

	writeFile(t, res.WorktreePath, "README.md", "branch change\n")
	commit(t, res.WorktreePath, "branch edit")

	writeFile(t, root, "README.md", "main change\n")
	commit(t, root, "main edit")

	report, err := m.DetectConflicts(ctx, "task-a")
	require.NoError(t, err)
	assert.True(t, report.HasConflicts)
	assert.Equal(t, []string{"README.md"}, report.Files)

	// Repository must be back to a clean state.
	status := mustGit(t, ctx, root, "status", "--porcelain")
	assert.Empty(t, status)
}

func TestMergeUnknownTaskNotFound(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	m := newTestManager(t, root, nil, nil)

	// No worktree was ever created for this task, so there is no branch
	// to merge or simulate against.
	_, err := m.Merge(ctx, "task-missing")
	require.ErrorIs(t, err, ErrWorktreeNotFound)

	_, err = m.DetectConflicts(ctx, "task-missing")
	require.ErrorIs(t, err, ErrWorktreeNotFound)

	// The checkout stays untouched.
	status := mustGit(t, ctx, root, "status", "--porcelain")
	assert.Empty(t, status)
}

func TestMergePublishesEvents(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	bus := events.NewBus(logger.Default())

	var merges []events.WorktreeMerged
	var conflicts []events.WorktreeConflict
	bus.Subscribe(events.WorktreeMergedKind, func(env events.Envelope) {
		merges = append(merges, env.Payload.(events.WorktreeMerged))
	})
	bus.Subscribe(events.WorktreeConflictKind, func(env events.Envelope) {
		conflicts = append(conflicts, env.Payload.(events.WorktreeConflict))
	})

	m := newTestManager(t, root, nil, bus)

	res, err := m.Create(ctx, "s1", "task-a", "")
	require.NoError(t, err)
	writeFile(t, res.WorktreePath, "feature.txt", "feature\n")
	commit(t, res.WorktreePath, "add feature")

	result, err := m.Merge(ctx, "task-a")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"feature.txt"}, result.MergedFiles)
	require.Len(t, merges, 1)
	assert.Equal(t, "main", merges[0].TargetBranch)
	assert.Empty(t, conflicts)

	// Conflicting branch must fail without dirtying the checkout.
	res2, err := m.Create(ctx, "s1", "task-b", "")
	require.NoError(t, err)
	writeFile(t, res2.WorktreePath, "README.md", "b change\n")
	commit(t, res2.WorktreePath, "b edit")
	writeFile(t, root, "README.md", "main change\n")
	commit(t, root, "main edit")

	result, err = m.Merge(ctx, "task-b")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"README.md"}, result.Conflicts)
	require.Len(t, conflicts, 1)

	status := mustGit(t, ctx, root, "status", "--porcelain")
	assert.Empty(t, status)
}

func TestBusDrivenLifecycle(t *testing.T) {
	root := initRepo(t)
	ctx := context.Background()
	store := newFakeStore()
	bus := events.NewBus(logger.Default())

	m := newTestManager(t, root, store, bus)
	m.Start(ctx)

	bus.Publish(events.TaskReady{SessionID: "s1", TaskID: "task-a"})
	bus.Publish(events.TaskComplete{SessionID: "s1", TaskID: "task-a"})
	m.Stop()

	assert.True(t, store.cleaned["task-a"])
	assert.NoDirExists(t, m.WorktreePath("task-a"))
}
