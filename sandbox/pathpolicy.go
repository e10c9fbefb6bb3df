package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

func isPathTraversal(p string) bool {
	clean := filepath.Clean(p)
	return strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") || clean == ".."
}

func isAbsoluteOrDrive(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	if runtime.GOOS == "windows" {
		if len(p) >= 2 && p[1] == ':' {
			return true
		}
	}
	return false
}

// sanitizeRelative validates a tool-supplied path argument against root,
// rejecting absolute paths and traversal, and returns the cleaned
// root-relative path.
func sanitizeRelative(root, arg string) (string, error) {
	if arg == "" || arg == "." {
		return ".", nil
	}
	if isAbsoluteOrDrive(arg) {
		return "", fmt.Errorf("absolute paths not allowed: %q", arg)
	}
	if isPathTraversal(arg) {
		return "", fmt.Errorf("path traversal not allowed: %q", arg)
	}
	rel := filepath.Clean(arg)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("argument must stay inside sandbox root: %q", arg)
	}
	if root == "" {
		return "", errors.New("sandbox root is required")
	}
	return rel, nil
}
