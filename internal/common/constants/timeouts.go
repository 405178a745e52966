// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for workspace lifecycle operations. Creation is the slowest path:
// it may pull a container image and copy a full repository checkout.
const (
	// WorkspaceCreateTimeout bounds workspace provisioning, including
	// repository copy or worktree setup and container start.
	WorkspaceCreateTimeout = 6 * time.Minute

	// WorkspaceForkTimeout bounds a fork, including the fallback creation
	// path when the native fork degrades.
	WorkspaceForkTimeout = 6 * time.Minute

	// WorkspaceDeleteTimeout bounds workspace removal, including worktree
	// pruning and recursive directory deletion.
	WorkspaceDeleteTimeout = 2 * time.Minute
)
