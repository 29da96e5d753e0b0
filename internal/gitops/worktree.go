// Package gitops manages the per-worker git worktrees that isolate
// concurrent task executions from each other and from the main checkout.
package gitops

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// BranchPrefix is prepended to the sanitized task id to form the worktree
// branch name.
const BranchPrefix = "ringmaster/"

// GitError wraps a failed git invocation with its output.
type GitError struct {
	Op     string
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %s: %s", e.Op, e.Err, strings.TrimSpace(e.Output))
}

func (e *GitError) Unwrap() error { return e.Err }

// WorktreeStatus reports the state of a worker's worktree.
type WorktreeStatus struct {
	Path               string   `json:"path"`
	Branch             string   `json:"branch"`
	HasChanges         bool     `json:"has_changes"`
	ChangedFiles       []string `json:"changed_files,omitempty"`
	CommitsAheadOfMain int      `json:"commits_ahead_of_main"`
}

// Manager creates and maintains worker worktrees under
// <repo>.worktrees/worker-<sanitized-id>/.
type Manager struct{}

// NewManager creates a worktree manager.
func NewManager() *Manager { return &Manager{} }

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Sanitize maps an arbitrary id to a form safe for branch and directory
// names.
func Sanitize(id string) string {
	s := sanitizeRe.ReplaceAllString(id, "-")
	return strings.Trim(s, "-")
}

// WorktreeRoot returns the directory that holds a repo's worker worktrees.
func WorktreeRoot(repo string) string {
	return strings.TrimSuffix(repo, string(os.PathSeparator)) + ".worktrees"
}

// WorktreePath returns the worktree directory for one worker.
func WorktreePath(repo, workerID string) string {
	return filepath.Join(WorktreeRoot(repo), "worker-"+Sanitize(workerID))
}

// TaskBranch returns the branch name used for a task execution.
func TaskBranch(taskID string) string {
	return BranchPrefix + Sanitize(taskID)
}

func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &GitError{Op: args[0], Args: args, Output: string(out), Err: err}
	}
	return string(out), nil
}

// baseRef picks the best base reference for a new task branch:
// origin/<base> when reachable, otherwise the local branch.
func (m *Manager) baseRef(repo, baseBranch string) string {
	if baseBranch == "" {
		baseBranch = "main"
	}
	remote := "origin/" + baseBranch
	if _, err := m.git(repo, "rev-parse", "--verify", "--quiet", remote); err == nil {
		return remote
	}
	return baseBranch
}

// GetOrCreateWorktree returns the worker's worktree path, creating or
// resetting it as needed. When taskID is non-empty an existing worktree is
// hard-reset, cleaned, and switched to a fresh ringmaster/<task-id> branch
// off the base reference.
func (m *Manager) GetOrCreateWorktree(repo, workerID, taskID, baseBranch string) (string, error) {
	path := WorktreePath(repo, workerID)
	base := m.baseRef(repo, baseBranch)

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		if taskID == "" {
			return path, nil
		}
		if _, err := m.git(path, "reset", "--hard"); err != nil {
			return "", err
		}
		if _, err := m.git(path, "clean", "-fd"); err != nil {
			return "", err
		}
		// -B creates the branch or resets it to base when it already exists.
		if _, err := m.git(path, "checkout", "-B", TaskBranch(taskID), base); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := os.MkdirAll(WorktreeRoot(repo), 0o755); err != nil {
		return "", fmt.Errorf("create worktree root: %w", err)
	}

	branch := TaskBranch(taskID)
	if taskID == "" {
		branch = "ringmaster/worker-" + Sanitize(workerID)
	}

	// A leftover branch from an earlier run means attach without -b.
	if _, err := m.git(repo, "rev-parse", "--verify", "--quiet", branch); err == nil {
		if _, err := m.git(repo, "worktree", "add", path, branch); err != nil {
			return "", err
		}
		return path, nil
	}

	if _, err := m.git(repo, "worktree", "add", "-b", branch, path, base); err != nil {
		return "", err
	}
	return path, nil
}

// GetWorktreeStatus reports branch, dirtiness, changed files, and commits
// ahead of main for a worker's worktree.
func (m *Manager) GetWorktreeStatus(repo, workerID string) (*WorktreeStatus, error) {
	path := WorktreePath(repo, workerID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("worktree %s: %w", path, err)
	}

	branch, err := m.git(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}

	status := &WorktreeStatus{Path: path, Branch: strings.TrimSpace(branch)}

	porcelain, err := m.git(path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) > 3 {
			status.ChangedFiles = append(status.ChangedFiles, strings.TrimSpace(line[3:]))
		}
	}
	status.HasChanges = len(status.ChangedFiles) > 0

	if out, err := m.git(path, "rev-list", "--count", "main..HEAD"); err == nil {
		fmt.Sscanf(strings.TrimSpace(out), "%d", &status.CommitsAheadOfMain)
	}
	return status, nil
}

// CommitWorktreeChanges stages everything in the worktree and commits with
// the given message. Returns the new commit hash, or "" when the tree was
// clean.
func (m *Manager) CommitWorktreeChanges(repo, workerID, message string) (string, error) {
	path := WorktreePath(repo, workerID)

	porcelain, err := m.git(path, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(porcelain) == "" {
		return "", nil
	}

	if _, err := m.git(path, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := m.git(path, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := m.git(path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// MergeWorktreeToMain fetches the worktree branch into the main checkout
// and merges it with --no-ff. A conflict is reported as (false, message),
// not an error; the merge is aborted so the main checkout stays clean.
func (m *Manager) MergeWorktreeToMain(repo, workerID string) (bool, string, error) {
	path := WorktreePath(repo, workerID)

	branch, err := m.git(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return false, "", err
	}
	branch = strings.TrimSpace(branch)

	if _, err := m.git(repo, "fetch", path, branch+":"+branch); err != nil {
		// The branch may already exist in the shared object store; a
		// non-fast-forward fetch here is not fatal for the merge.
		log.Printf("[Worktree] fetch %s into main checkout: %v", branch, err)
	}

	out, err := m.git(repo, "merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			m.git(repo, "merge", "--abort")
			return false, strings.TrimSpace(out), nil
		}
		return false, "", err
	}
	return true, strings.TrimSpace(out), nil
}

// RemoveWorktree removes a worker's worktree.
func (m *Manager) RemoveWorktree(repo, workerID string, force bool) error {
	path := WorktreePath(repo, workerID)
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := m.git(repo, args...); err != nil {
		return err
	}
	return nil
}

// CleanStaleWorktrees prunes worktrees git considers prunable.
func (m *Manager) CleanStaleWorktrees(repo string) error {
	if _, err := m.git(repo, "worktree", "prune"); err != nil {
		return err
	}
	return nil
}
