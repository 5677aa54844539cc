package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned by Download when the mapped destination
// path would land outside the requested parent directory.
var ErrPathEscape = errors.New("service: destination escapes the parent directory")

// ErrSymlinkAncestor is returned by Download when any directory between
// the destination and the filesystem root is a symlink.
var ErrSymlinkAncestor = errors.New("service: destination has a symlink ancestor")

// validateDownloadPath enforces the two path-hygiene rules
// download(uuid, file_id, parent_dir) applies before creating any
// directory or writing any data, grounded on
// original_source/drop-transfer/src/service.rs's download method: the
// mapped absolute path must stay under parentDir (no ascending
// component may let it escape, the Go equivalent of the original's
// Component::ParentDir scan against the joined path), and no ancestor
// of its parent directory may be a symlink (a symlinked ancestor lets a
// write land somewhere the caller never asked for).
func validateDownloadPath(parentDir, mappedPath string) error {
	absParent, err := filepath.Abs(parentDir)
	if err != nil {
		return fmt.Errorf("service: download: %w", err)
	}
	absMapped, err := filepath.Abs(mappedPath)
	if err != nil {
		return fmt.Errorf("service: download: %w", err)
	}

	rel, err := filepath.Rel(absParent, absMapped)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("service: download %q outside of %q: %w", mappedPath, parentDir, ErrPathEscape)
	}

	if err := rejectSymlinkAncestors(filepath.Dir(absMapped)); err != nil {
		return err
	}

	return nil
}

// rejectSymlinkAncestors walks dir and every ancestor up to the
// filesystem root, failing on the first one that is itself a symlink.
// A nonexistent ancestor is not an error; MkdirAll is what creates it.
func rejectSymlinkAncestors(dir string) error {
	for {
		info, err := os.Lstat(dir)
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("service: download: ancestor %q: %w", dir, ErrSymlinkAncestor)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
