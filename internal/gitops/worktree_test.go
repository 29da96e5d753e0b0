package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway git repo with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return repo
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "bd-123", Sanitize("bd-123"))
	assert.Equal(t, "a-b-c", Sanitize("a b/c"))
	assert.Equal(t, "x", Sanitize("../x"))
}

func TestGetOrCreateWorktree(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	path, err := m.GetOrCreateWorktree(repo, "w1", "bd-task1", "main")
	require.NoError(t, err)
	assert.Equal(t, WorktreePath(repo, "w1"), path)
	assert.DirExists(t, path)

	status, err := m.GetWorktreeStatus(repo, "w1")
	require.NoError(t, err)
	assert.Equal(t, "ringmaster/bd-task1", status.Branch)
	assert.False(t, status.HasChanges)
}

func TestGetOrCreateWorktreeIdempotent(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	p1, err := m.GetOrCreateWorktree(repo, "w1", "bd-task1", "main")
	require.NoError(t, err)
	p2, err := m.GetOrCreateWorktree(repo, "w1", "bd-task1", "main")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	status, err := m.GetWorktreeStatus(repo, "w1")
	require.NoError(t, err)
	assert.Equal(t, "ringmaster/bd-task1", status.Branch)
}

func TestWorktreeResetDiscardsStaleState(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	path, err := m.GetOrCreateWorktree(repo, "w1", "bd-old", "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("leftover"), 0o644))

	path, err = m.GetOrCreateWorktree(repo, "w1", "bd-new", "main")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(path, "scratch.txt"))

	status, err := m.GetWorktreeStatus(repo, "w1")
	require.NoError(t, err)
	assert.Equal(t, "ringmaster/bd-new", status.Branch)
}

func TestTwoWorkersAreIsolated(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	p1, err := m.GetOrCreateWorktree(repo, "w1", "bd-a", "main")
	require.NoError(t, err)
	p2, err := m.GetOrCreateWorktree(repo, "w2", "bd-b", "main")
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	require.NoError(t, os.WriteFile(filepath.Join(p1, "only-w1.txt"), []byte("w1"), 0o644))

	s1, err := m.GetWorktreeStatus(repo, "w1")
	require.NoError(t, err)
	s2, err := m.GetWorktreeStatus(repo, "w2")
	require.NoError(t, err)
	assert.True(t, s1.HasChanges)
	assert.False(t, s2.HasChanges)
	assert.Equal(t, "ringmaster/bd-a", s1.Branch)
	assert.Equal(t, "ringmaster/bd-b", s2.Branch)
}

func TestCommitAndMerge(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	path, err := m.GetOrCreateWorktree(repo, "w1", "bd-feat", "main")
	require.NoError(t, err)

	// Clean tree commits to nothing.
	hash, err := m.CommitWorktreeChanges(repo, "w1", "empty")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, os.WriteFile(filepath.Join(path, "feature.go"), []byte("package feature\n"), 0o644))
	hash, err = m.CommitWorktreeChanges(repo, "w1", "add feature")
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	ok, msg, err := m.MergeWorktreeToMain(repo, "w1")
	require.NoError(t, err)
	assert.True(t, ok, msg)
	assert.FileExists(t, filepath.Join(repo, "feature.go"))
}

func TestMergeConflictReportedNotRaised(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	path, err := m.GetOrCreateWorktree(repo, "w1", "bd-conflict", "main")
	require.NoError(t, err)

	// Diverge the same file on both sides.
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("worker version\n"), 0o644))
	_, err = m.CommitWorktreeChanges(repo, "w1", "worker edit")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("main version\n"), 0o644))
	mgr := NewManager()
	_, err = mgr.git(repo, "commit", "-am", "main edit")
	require.NoError(t, err)

	ok, msg, err := m.MergeWorktreeToMain(repo, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, msg)

	// Main checkout is left clean after the aborted merge.
	out, err := mgr.git(repo, "status", "--porcelain")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRemoveWorktree(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	path, err := m.GetOrCreateWorktree(repo, "w1", "bd-x", "main")
	require.NoError(t, err)
	require.NoError(t, m.RemoveWorktree(repo, "w1", true))
	assert.NoDirExists(t, path)
	require.NoError(t, m.CleanStaleWorktrees(repo))
}
