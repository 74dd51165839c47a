// Package git wraps the git worktree operations used to isolate agents in
// their own working directories.
package git

import "context"

// Executor defines the interface for git worktree operations.
// This abstraction allows for easy testing with mock implementations.
type Executor interface {
	// CreateWorktree creates a new worktree at path with a new branch.
	// newBranch is the name of the new branch to create (e.g., swarm/agent-abc123).
	// baseBranch is the starting point for the new branch; if empty, the
	// current HEAD is used.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)
	BranchExists(name string) bool
	// ValidateBranchName validates a branch name using git check-ref-format --branch.
	// Returns nil if valid, ErrInvalidBranchName if invalid.
	ValidateBranchName(name string) error
	IsGitRepo() bool
	GetRepoRoot() (string, error)
	GetMainBranch() (string, error)
	// DetermineWorktreePath returns the path a new worktree for the given
	// agent should live at.
	DetermineWorktreePath(agentID string) (string, error)
}

// WorktreeInfo holds information about a git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// BranchForWorktree returns the branch name used for an agent worktree.
func BranchForWorktree(name string) string {
	return "swarm/" + name
}
