// Package paths canonicalises project paths and derives per-project store locations.
package paths

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// storeHashLen is the number of hex characters of the root hash used as
// the store directory name.
const storeHashLen = 16

// DefaultStorageRoot is used when no storage root is configured.
func DefaultStorageRoot() string {
	return filepath.Join(os.TempDir(), "codeindex")
}

// ValidateProjectRoot returns the absolute, symlink-resolved form of root
// after checking that it exists, is a directory and is readable.
func ValidateProjectRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("project root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return "", err
	}
	return resolved, nil
}

// StoreDir derives the durable store location for a project root:
// <storageRoot>/<first 16 hex chars of blake2b-256(root)>.
func StoreDir(storageRoot, projectRoot string) string {
	if storageRoot == "" {
		storageRoot = DefaultStorageRoot()
	}
	sum := blake2b.Sum256([]byte(filepath.Clean(projectRoot)))
	return filepath.Join(storageRoot, hex.EncodeToString(sum[:])[:storeHashLen])
}

// CanonicalizePath converts an absolute path to a root-relative canonical path
// - Resolves symlinks to real paths (the parent directory when the file is gone)
// - Makes path relative to the project root
// - Converts backslashes to forward slashes
func CanonicalizePath(absolutePath string, root string) (string, error) {
	resolved, err := evalExisting(absolutePath)
	if err != nil {
		return "", err
	}
	rootResolved, err := evalExisting(root)
	if err != nil {
		return "", err
	}

	relativePath, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(relativePath), nil
}

// evalExisting resolves symlinks in p; for a path that no longer exists it
// resolves the nearest existing ancestor and re-appends the rest.
func evalExisting(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	base, err := evalExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.Base(p)), nil
}

// ToRelative accepts either an absolute path or a root-relative one and
// returns the canonical relative form. Paths escaping the root are rejected.
func ToRelative(p string, root string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, filepath.FromSlash(p))
	}
	rel, err := CanonicalizePath(p, root)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside the project root", p)
	}
	return rel, nil
}

// NormalizePath converts backslashes to forward slashes and strips a leading "./".
func NormalizePath(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	return strings.TrimPrefix(p, "./")
}

// JoinRoot joins a project root with a canonical path
func JoinRoot(root string, canonicalPath string) string {
	parts := strings.Split(NormalizePath(canonicalPath), "/")
	return filepath.Join(append([]string{root}, parts...)...)
}
