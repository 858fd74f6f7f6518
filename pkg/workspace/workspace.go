// Package workspace allocates and releases isolated working copies for agent
// runs. Each execution attempt gets its own clone of the source repository
// under the work root, on a ticket-named branch; the directory is owned by
// exactly one worker until released.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"foreman/pkg/config"
	"foreman/pkg/logx"
)

// Workspace is one allocated working copy.
type Workspace struct {
	// Path is the absolute directory of the clone.
	Path string
	// Branch is the checked-out work branch.
	Branch string
}

// Manager creates and removes workspaces under a single work root.
type Manager struct {
	workRoot     string
	repoPath     string
	branchPrefix string
	useMirror    bool
	mirrorMu     sync.Mutex
	logger       *logx.Logger
}

// NewManager creates a workspace manager. workRoot is created lazily on the
// first Allocate.
func NewManager(workRoot string, agent config.AgentConfig) *Manager {
	return &Manager{
		workRoot:     workRoot,
		repoPath:     agent.RepoPath,
		branchPrefix: agent.BranchPrefix,
		useMirror:    isRemoteRepo(agent.RepoPath),
		logger:       logx.NewLogger("workspace"),
	}
}

// Allocate clones the source repository into a fresh directory and checks out
// the work branch for the ticket. The directory name carries a random suffix
// so retries never collide with a dying predecessor.
func (m *Manager) Allocate(ctx context.Context, ticketKey string) (*Workspace, error) {
	if m.repoPath == "" {
		return nil, fmt.Errorf("no source repository configured")
	}

	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}

	dir := filepath.Join(m.workRoot, fmt.Sprintf("%s-%s", sanitizeKey(ticketKey), uuid.New().String()[:8]))
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	src := m.cloneSource(ctx)
	m.logger.Debug("Cloning %s to %s", src, absDir)
	cloneCmd := exec.CommandContext(ctx, "git", "clone", src, absDir)
	if output, err := cloneCmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(absDir)
		return nil, fmt.Errorf("failed to clone repository: %w\nOutput: %s", err, string(output))
	}

	// A mirror-sourced clone still has to push and fetch against the real
	// remote, not the cache.
	if src != m.repoPath {
		setURL := exec.CommandContext(ctx, "git", "remote", "set-url", "origin", m.repoPath)
		setURL.Dir = absDir
		if output, err := setURL.CombinedOutput(); err != nil {
			_ = os.RemoveAll(absDir)
			return nil, fmt.Errorf("failed to point origin at %s: %w\nOutput: %s", m.repoPath, err, string(output))
		}
	}

	branch := m.branchPrefix + strings.ToLower(sanitizeKey(ticketKey))
	checkoutCmd := exec.CommandContext(ctx, "git", "checkout", "-B", branch)
	checkoutCmd.Dir = absDir
	if output, err := checkoutCmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(absDir)
		return nil, fmt.Errorf("failed to create branch %s: %w\nOutput: %s", branch, err, string(output))
	}

	m.logger.Info("Allocated workspace %s on branch %s", absDir, branch)
	return &Workspace{Path: absDir, Branch: branch}, nil
}

// Release removes a workspace directory. Paths outside the work root are
// refused; a stale record must never turn into a delete elsewhere on disk.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil || ws.Path == "" {
		return
	}
	if !m.owns(ws.Path) {
		m.logger.Warn("Refusing to release %s: outside work root %s", ws.Path, m.workRoot)
		return
	}
	m.logger.Debug("Releasing workspace %s", ws.Path)
	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("Failed to release workspace %s: %v", ws.Path, err)
	}
}

// Exists reports whether a previously allocated workspace is still on disk.
func (m *Manager) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// owns reports whether path resolves inside the work root.
func (m *Manager) owns(path string) bool {
	root, err := filepath.Abs(m.workRoot)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// sanitizeKey keeps ticket keys filesystem- and ref-safe.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, key)
}
