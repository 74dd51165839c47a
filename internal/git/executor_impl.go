package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrInvalidBranchName indicates the branch name failed git's ref format check.
	ErrInvalidBranchName = errors.New("invalid branch name")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(context.Background(), args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	err := e.runGit("rev-parse", "--git-dir")
	return err == nil
}

// GetMainBranch detects the main branch name using multiple strategies.
// Order: config, remote HEAD, main/master existence, fallback to "main".
func (e *RealExecutor) GetMainBranch() (string, error) {
	if branch, err := e.runGitOutput(context.Background(), "config", "init.defaultBranch"); err == nil && branch != "" {
		return branch, nil
	}

	// Remote HEAD looks like refs/remotes/origin/main
	if ref, err := e.runGitOutput(context.Background(), "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master", nil
	}

	return "main", nil
}

// GetRepoRoot returns the root directory of the git repository.
func (e *RealExecutor) GetRepoRoot() (string, error) {
	return e.runGitOutput(context.Background(), "rev-parse", "--show-toplevel")
}

// unsafeParentDirs lists directories that should never be used as worktree parents.
var unsafeParentDirs = map[string]bool{
	"/":        true,
	"/System":  true,
	"/usr":     true,
	"/bin":     true,
	"/sbin":    true,
	"/etc":     true,
	"/var":     true,
	"/tmp":     true,
	"/private": true,
}

// DetermineWorktreePath determines the best path for a new worktree.
// Strategy: prefer sibling directory, fallback to .aiswarm/worktrees/
func (e *RealExecutor) DetermineWorktreePath(agentID string) (string, error) {
	repoRoot, err := e.GetRepoRoot()
	if err != nil {
		return "", fmt.Errorf("failed to get repo root: %w", err)
	}

	projectName := filepath.Base(repoRoot)
	shortID := agentID
	if len(agentID) > 8 {
		shortID = agentID[:8]
	}

	parentDir := filepath.Dir(repoRoot)
	if isSafeParentDir(parentDir) {
		return filepath.Join(parentDir, fmt.Sprintf("%s-worktree-%s", projectName, shortID)), nil
	}

	return filepath.Join(repoRoot, ".aiswarm", "worktrees", agentID), nil
}

// isSafeParentDir checks if a directory is safe to use as a worktree parent.
func isSafeParentDir(dir string) bool {
	if unsafeParentDirs[dir] {
		return false
	}

	systemPrefixes := []string{"/System/", "/usr/", "/bin/", "/sbin/", "/etc/", "/var/", "/private/"}
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(dir, prefix) {
			return false
		}
	}

	return isWritable(dir)
}

// isWritable checks if a directory is writable.
func isWritable(dir string) bool {
	testFile := filepath.Join(dir, ".aiswarm-write-test")
	//nolint:gosec // G304: testFile path is constructed from dir parameter
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(testFile)
	return true
}

// CreateWorktree creates a new worktree at the specified path with a new branch.
func (e *RealExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	// git worktree add -b <new-branch> <path> [<start-point>]
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	// If baseBranch is empty, git uses current HEAD as starting point

	_, err := e.runGitOutput(ctx, args...)
	return err
}

// RemoveWorktree removes a worktree at the specified path.
func (e *RealExecutor) RemoveWorktree(path string) error {
	// First try normal remove
	err := e.runGit("worktree", "remove", path)
	if err != nil {
		// If it fails, try with --force
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns information about all worktrees.
func (e *RealExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput(context.Background(), "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// End of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			// Extract branch name from refs/heads/branch-name
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// Don't forget the last entry if output doesn't end with blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// BranchExists checks if a branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// ValidateBranchName validates a branch name using git's own ref format check.
func (e *RealExecutor) ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidBranchName)
	}
	if err := e.runGit("check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	return nil
}
