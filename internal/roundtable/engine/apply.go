package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/roundtable/internal/roundtable/runstore"
)

// FileProposal is one file the role asked to materialise, workspace-relative.
type FileProposal struct {
	Path    string
	Content string
}

// ApplyResult separates accepted writes from refused proposals.
type ApplyResult struct {
	Applied  []runstore.AppliedFile
	Rejected []runstore.RejectedFile
}

// Applicator validates and writes proposals under the workspace root.
type Applicator struct {
	root        string // absolute workspace root
	allowedExts []string
	protected   []string
}

// NewApplicator resolves the workspace root; it must already exist.
func NewApplicator(workspaceRoot string, allowedExts []string, protectedGlobs []string) (*Applicator, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Applicator{root: resolved, allowedExts: allowedExts, protected: protectedGlobs}, nil
}

// Apply writes every valid proposal via temp file + atomic rename and
// collects rejections for the rest. Invalid entries never abort the batch.
func (a *Applicator) Apply(proposals []FileProposal) (ApplyResult, error) {
	res := ApplyResult{}
	for _, p := range proposals {
		rel, reason := a.validate(p)
		if reason != "" {
			res.Rejected = append(res.Rejected, runstore.RejectedFile{Path: p.Path, Reason: reason})
			continue
		}
		applied, err := a.write(rel, p.Content)
		if err != nil {
			res.Rejected = append(res.Rejected, runstore.RejectedFile{Path: p.Path, Reason: err.Error()})
			continue
		}
		res.Applied = append(res.Applied, applied)
	}
	return res, nil
}

// validate returns the cleaned workspace-relative path, or a rejection
// reason. Mixed separators, trailing slashes, and case games on ".." are
// all normalised before the checks run.
func (a *Applicator) validate(p FileProposal) (string, string) {
	raw := strings.TrimSpace(p.Path)
	if raw == "" {
		return "", "empty path"
	}
	slashed := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(raw) || hasDrivePrefix(slashed) {
		return "", "absolute path"
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == "" {
		return "", "path resolves to the workspace root itself"
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return "", "path escapes the workspace (..)"
		}
	}
	rel := filepath.FromSlash(cleaned)
	abs := filepath.Join(a.root, rel)
	if abs != a.root && !strings.HasPrefix(abs, a.root+string(filepath.Separator)) {
		return "", "resolved path is outside the workspace root"
	}
	if len(a.allowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(cleaned))
		if !containsString(a.allowedExts, ext) {
			return "", fmt.Sprintf("extension %q is not in the allow-list", ext)
		}
	}
	for _, pattern := range a.protected {
		ok, err := doublestar.Match(pattern, cleaned)
		if err == nil && ok {
			return "", fmt.Sprintf("path matches protected pattern %q", pattern)
		}
	}
	if reason := a.checkSymlinks(abs); reason != "" {
		return "", reason
	}
	return rel, ""
}

// checkSymlinks refuses targets that are symlinks or that resolve through
// a symlink to somewhere outside the workspace root.
func (a *Applicator) checkSymlinks(abs string) string {
	if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "target is a symlink"
	}
	// Resolve the deepest existing ancestor; it must stay inside the root.
	dir := filepath.Dir(abs)
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if resolved != a.root && !strings.HasPrefix(resolved, a.root+string(filepath.Separator)) {
				return "parent directory resolves outside the workspace root"
			}
			return ""
		}
		if !os.IsNotExist(err) {
			return fmt.Sprintf("resolve parent: %v", err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (a *Applicator) write(rel string, content string) (runstore.AppliedFile, error) {
	abs := filepath.Join(a.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return runstore.AppliedFile{}, err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return runstore.AppliedFile{}, err
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return runstore.AppliedFile{}, err
	}
	sum := sha256.Sum256([]byte(content))
	return runstore.AppliedFile{
		Path:   filepath.ToSlash(rel),
		Bytes:  len(content),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

func hasDrivePrefix(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
