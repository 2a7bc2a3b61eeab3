package deploy

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// workDirName is the reserved directory inside the target root holding
// targets that are not live. Git ref names cannot start with a dot, so it
// never collides with a live target.
const workDirName = ".branchdeployd"

// Identity is one of the on-disk names a target can have.
type Identity int

const (
	// Live is the directory served to users.
	Live Identity = iota
	// Temp is a target under construction.
	Temp
	// Rollback holds the previous live version between swap and cleanup.
	Rollback
	// Failed holds a failed temp target kept for inspection.
	Failed
)

func (i Identity) String() string {
	switch i {
	case Live:
		return "live"
	case Temp:
		return "temp"
	case Rollback:
		return "rollback"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("identity(%d)", int(i))
	}
}

// Layout maps branches to target directories under a target root.
type Layout struct {
	root string
}

func NewLayout(root string) Layout {
	return Layout{root: root}
}

// Root returns the target root.
func (l Layout) Root() string {
	return l.root
}

// Path returns the directory of branch under identity id. Branch names are
// path-escaped, so "feature/x" maps to a single directory "feature%2Fx".
func (l Layout) Path(branch string, id Identity) string {
	name := DirName(branch)
	if id == Live {
		return filepath.Join(l.root, name)
	}
	return filepath.Join(l.root, workDirName, id.String(), name)
}

// DirName returns the directory name used for branch.
func DirName(branch string) string {
	return url.PathEscape(branch)
}

// BranchFromDirName reverses DirName.
func BranchFromDirName(name string) (string, error) {
	return url.PathUnescape(name)
}

// exists reports whether path exists. Errors other than "not exist" are
// returned so callers never mistake an unreadable directory for a missing one.
func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// replaceDir renames src to dst, removing whatever is at dst first.
func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
