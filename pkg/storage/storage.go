package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tms-tools/ticket-archiver/pkg/pathpolicy"
)

// ErrUnsafePath marks a path that violates storage safety rules: escaping
// the root or traversing a symlink component. Callers treat it as a policy
// violation, not an I/O failure.
var ErrUnsafePath = errors.New("unsafe storage path")

const (
	fileMode = 0o640
	dirMode  = 0o750
)

// Writer performs safe writes under a fixed storage root.
type Writer struct {
	root   string
	atomic bool
	fsync  bool
}

// NewWriter creates a writer rooted at root. With atomic set, files land
// via a same-directory temp file and rename; with fsync set, file and
// directory syncs are issued after each write.
func NewWriter(root string, atomic, fsync bool) *Writer {
	return &Writer{root: root, atomic: atomic, fsync: fsync}
}

// Root returns the storage root.
func (w *Writer) Root() string { return w.root }

// WriteFile writes data to target, honoring the atomic and fsync settings.
// The target is validated against the root and symlink components before
// any directory is created.
func (w *Writer) WriteFile(target string, data []byte) error {
	if err := w.checkTarget(target); err != nil {
		return err
	}
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, dirMode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", parent, err)
	}
	if w.atomic {
		return w.writeAtomic(parent, target, data)
	}
	return w.writeDirect(parent, target, data)
}

func (w *Writer) writeDirect(parent, target string, data []byte) error {
	f, err := openNoFollow(target, fileMode)
	if err != nil {
		if isSymlinkError(err) {
			return fmt.Errorf("%w: %s is a symlink", ErrUnsafePath, target)
		}
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	if err := w.fillFile(f, data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	if w.fsync {
		fsyncDirBestEffort(parent)
	}
	return nil
}

func (w *Writer) writeAtomic(parent, target string, data []byte) error {
	tmp, err := os.CreateTemp(parent, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", parent, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := w.fillFile(tmp, data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file for %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	if w.fsync {
		fsyncDirBestEffort(parent)
	}
	return nil
}

// fillFile writes data, sets the mode on the open handle (so overwritten
// files get correct permissions too), and optionally syncs.
func (w *Writer) fillFile(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(fileMode); err != nil {
		return err
	}
	if w.fsync {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// MoveWithinRoot renames src to dst after validating both against the root.
func (w *Writer) MoveWithinRoot(src, dst string) error {
	if err := pathpolicy.EnsureWithinRoot(w.root, src); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err := w.checkTarget(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}
	if w.fsync {
		fsyncDirBestEffort(filepath.Dir(dst))
	}
	return nil
}

func (w *Writer) checkTarget(target string) error {
	if err := pathpolicy.EnsureWithinRoot(w.root, target); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	return w.rejectSymlinkComponents(filepath.Dir(target))
}

// rejectSymlinkComponents walks dir component by component under the root
// and rejects any existing symlink. Components that do not exist yet are
// fine; they will be created as real directories. The check is best-effort
// against races, matching rename-based atomicity guarantees.
func (w *Writer) rejectSymlinkComponents(dir string) error {
	rootAbs, err := filepath.Abs(w.root)
	if err != nil {
		return fmt.Errorf("failed to resolve root: %w", err)
	}
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve target dir: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, dirAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: target escapes storage root", ErrUnsafePath)
	}
	if rel == "." {
		return nil
	}

	current := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("%w: unreadable path component %s", ErrUnsafePath, current)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is a symlink", ErrUnsafePath, current)
		}
	}
	return nil
}

// Attachment is one staged attachment file for an archive commit.
type Attachment struct {
	Name string
	Data []byte
}

// Archive describes the files of one archived ticket.
type Archive struct {
	TargetPath  string
	SidecarPath string
	PDF         []byte
	Sidecar     []byte
	Attachments []Attachment
}

// CommitArchive stages the PDF, audit sidecar, and attachments in a hidden
// temp directory next to the target, then renames them into place. The
// sidecar moves last: its presence signals a completed archival. A reader
// never observes a partially written file at the final path.
func (w *Writer) CommitArchive(ticketID int64, a Archive) error {
	targetDir := filepath.Dir(a.TargetPath)
	if err := w.checkTarget(a.TargetPath); err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, dirMode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", targetDir, err)
	}

	stageDir := filepath.Join(targetDir, fmt.Sprintf(".tmp-archiving-%d-%s", ticketID, uuid.NewString()[:8]))
	if err := os.MkdirAll(stageDir, dirMode); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	stagedPDF := filepath.Join(stageDir, filepath.Base(a.TargetPath))
	stagedSidecar := filepath.Join(stageDir, filepath.Base(a.SidecarPath))

	if err := w.WriteFile(stagedPDF, a.PDF); err != nil {
		return err
	}
	if err := w.WriteFile(stagedSidecar, a.Sidecar); err != nil {
		return err
	}

	attachmentsDir := filepath.Join(targetDir, "attachments")
	for _, att := range a.Attachments {
		if err := w.WriteFile(filepath.Join(stageDir, "attachments", att.Name), att.Data); err != nil {
			return err
		}
	}

	for _, att := range a.Attachments {
		src := filepath.Join(stageDir, "attachments", att.Name)
		if err := w.MoveWithinRoot(src, filepath.Join(attachmentsDir, att.Name)); err != nil {
			return err
		}
	}
	if err := w.MoveWithinRoot(stagedPDF, a.TargetPath); err != nil {
		return err
	}
	if err := w.MoveWithinRoot(stagedSidecar, a.SidecarPath); err != nil {
		return err
	}
	return nil
}

// fsyncDirBestEffort syncs a directory after a rename. Not all filesystems
// support directory fsync; failures are ignored.
func fsyncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
