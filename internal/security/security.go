package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Environment variables controlling the filesystem access policy.
const (
	// AllowedDirsEnvVar lists colon-separated directories remote callers may
	// read from. When set, paths outside every listed directory are refused.
	AllowedDirsEnvVar = "PDF_PROCESSOR_ALLOWED_DIRS"
	// DeniedPathsEnvVar lists colon-separated paths that are always refused,
	// regardless of the allowed list.
	DeniedPathsEnvVar = "PDF_PROCESSOR_DENIED_PATHS"
)

// Manager enforces the filesystem access policy for paths supplied by
// remote callers. A nil manager means no policy is configured and all
// paths are permitted.
type Manager struct {
	allowedDirs []string
	deniedPaths []string
	logger      *logrus.Logger
}

var (
	globalManager      *Manager
	globalManagerMutex sync.RWMutex
)

// InitGlobalManager builds the access policy from the environment. When
// neither PDF_PROCESSOR_ALLOWED_DIRS nor PDF_PROCESSOR_DENIED_PATHS is set,
// access controls stay disabled.
func InitGlobalManager(logger *logrus.Logger) error {
	allowed := os.Getenv(AllowedDirsEnvVar)
	denied := os.Getenv(DeniedPathsEnvVar)

	var manager *Manager
	if allowed != "" || denied != "" {
		manager = &Manager{logger: logger}
		var err error
		if manager.allowedDirs, err = parsePathList(allowed); err != nil {
			return fmt.Errorf("invalid %s: %w", AllowedDirsEnvVar, err)
		}
		if manager.deniedPaths, err = parsePathList(denied); err != nil {
			return fmt.Errorf("invalid %s: %w", DeniedPathsEnvVar, err)
		}
	}

	globalManagerMutex.Lock()
	globalManager = manager
	globalManagerMutex.Unlock()

	if manager == nil {
		logger.Debug("Filesystem access controls disabled (no policy configured)")
	} else {
		logger.WithFields(logrus.Fields{
			"allowed_dirs": len(manager.allowedDirs),
			"denied_paths": len(manager.deniedPaths),
		}).Info("Filesystem access controls enabled")
	}
	return nil
}

// Enabled reports whether an access policy is active.
func Enabled() bool {
	globalManagerMutex.RLock()
	defer globalManagerMutex.RUnlock()
	return globalManager != nil
}

// CheckFileAccess validates a path against the configured policy. It is
// safe to call before InitGlobalManager; without a policy every path is
// permitted.
func CheckFileAccess(path string) error {
	globalManagerMutex.RLock()
	manager := globalManager
	globalManagerMutex.RUnlock()

	if manager == nil {
		return nil
	}
	return manager.CheckFileAccess(path)
}

// CheckFileAccess reports whether the policy permits access to path.
// Symlinks are resolved first so the check applies to the real location.
func (m *Manager) CheckFileAccess(path string) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	for _, deniedPath := range m.deniedPaths {
		if isWithin(resolved, deniedPath) {
			m.logger.WithFields(logrus.Fields{
				"path":   resolved,
				"denied": deniedPath,
			}).Warn("Access denied: path is in the denied list")
			return fmt.Errorf("access denied: %s is within denied path %s", path, deniedPath)
		}
	}

	if len(m.allowedDirs) == 0 {
		return nil
	}
	for _, allowedDir := range m.allowedDirs {
		if isWithin(resolved, allowedDir) {
			return nil
		}
	}

	m.logger.WithField("path", resolved).Warn("Access denied: path is outside the allowed directories")
	return fmt.Errorf("access denied: %s is outside the allowed directories", path)
}

// parsePathList splits a colon-separated list of paths, expanding ~ and
// normalising each entry to an absolute path.
func parsePathList(value string) ([]string, error) {
	var paths []string
	for _, entry := range strings.Split(value, ":") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		expanded, err := expandPath(entry)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", entry, err)
		}
		paths = append(paths, filepath.Clean(abs))
	}
	return paths, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// resolvePath expands, absolutises and follows symlinks. Paths that do not
// exist yet are resolved against their nearest existing ancestor, so policy
// checks still apply to output locations that are about to be created.
func resolvePath(path string) (string, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to make path absolute: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, rest := abs, ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolvedDir, rest), nil
		}
	}
}

// isWithin reports whether path equals root or lies underneath it.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
