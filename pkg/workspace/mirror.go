package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// cloneSource returns the path or URL Allocate clones from. Remote
// repositories go through a local bare mirror under the work root, so each
// attempt costs one fetch instead of a full clone over the network. Any
// mirror trouble falls back to cloning the origin directly.
func (m *Manager) cloneSource(ctx context.Context) string {
	if !m.useMirror {
		return m.repoPath
	}
	src, err := m.refreshMirror(ctx)
	if err != nil {
		m.logger.Warn("Mirror unavailable, cloning %s directly: %v", m.repoPath, err)
		return m.repoPath
	}
	return src
}

// refreshMirror creates the bare mirror on first use and fetches on every
// later one. Only one allocation touches the mirror at a time.
func (m *Manager) refreshMirror(ctx context.Context) (string, error) {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()

	path := filepath.Join(m.workRoot, ".mirror", repoName(m.repoPath))
	if mirrorExists(path) {
		cmd := exec.CommandContext(ctx, "git", "remote", "update", "--prune")
		cmd.Dir = path
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("git remote update failed: %w\nOutput: %s", err, string(output))
		}
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create mirror directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", m.repoPath, path)
	if output, err := cmd.CombinedOutput(); err != nil {
		// A half-written or corrupt mirror directory must not wedge every
		// later attempt.
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("git clone --mirror failed: %w\nOutput: %s", err, string(output))
	}
	m.logger.Info("Created mirror of %s at %s", m.repoPath, path)
	return path, nil
}

// mirrorExists reports a usable bare mirror. Bare repositories keep HEAD at
// the root, not under .git.
func mirrorExists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "HEAD"))
	return err == nil
}

// repoName derives the mirror directory name from the repository URL or path.
func repoName(repo string) string {
	name := strings.TrimSuffix(repo, ".git")
	name = strings.TrimRight(name, "/")
	if idx := strings.LastIndexAny(name, "/:"); idx != -1 {
		name = name[idx+1:]
	}
	if name == "" {
		name = "repo"
	}
	return sanitizeKey(name) + ".git"
}

// isRemoteRepo reports whether cloning the repository needs the network.
// Local paths clone cheaply on their own and skip the mirror.
func isRemoteRepo(repo string) bool {
	if strings.Contains(repo, "://") {
		return true
	}
	// scp-like syntax: git@host:path
	if at := strings.Index(repo, "@"); at != -1 && strings.Contains(repo[at:], ":") {
		return true
	}
	return false
}
