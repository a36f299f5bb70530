package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, true, false)

	target := filepath.Join(root, "agent", "Customers", "doc.pdf")
	require.NoError(t, w.WriteFile(target, []byte("pdf-bytes")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf-bytes"), data)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	}
}

func TestWriteFileOverwriteResetsMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	root := t.TempDir()
	w := NewWriter(root, false, false)

	target := filepath.Join(root, "doc.pdf")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o666))
	require.NoError(t, w.WriteFile(target, []byte("new")))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestWriteFileRejectsEscape(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, true, false)

	err := w.WriteFile(filepath.Join(root, "..", "escape.pdf"), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestWriteFileRejectsSymlinkComponent(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	w := NewWriter(root, true, false)

	link := filepath.Join(root, "agent")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks are not supported in this environment")
	}

	err := w.WriteFile(filepath.Join(link, "doc.pdf"), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafePath)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may be written through the symlink")
}

func TestWriteAtomicLeavesNoTempFilesBehind(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, true, true)

	target := filepath.Join(root, "doc.pdf")
	require.NoError(t, w.WriteFile(target, []byte("content")))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.pdf", entries[0].Name())
}

func TestMoveWithinRoot(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, true, false)

	src := filepath.Join(root, "staged.pdf")
	require.NoError(t, w.WriteFile(src, []byte("x")))

	dst := filepath.Join(root, "final", "doc.pdf")
	require.NoError(t, w.MoveWithinRoot(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dst)
	assert.NoError(t, err)
}

func TestMoveWithinRootRejectsOutsideSource(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	w := NewWriter(root, true, false)

	src := filepath.Join(outside, "file")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o640))

	err := w.MoveWithinRoot(src, filepath.Join(root, "file"))
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestCommitArchive(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, true, false)

	dir := filepath.Join(root, "agent", "Customers")
	archive := Archive{
		TargetPath:  filepath.Join(dir, "Ticket-42.pdf"),
		SidecarPath: filepath.Join(dir, "Ticket-42.pdf.json"),
		PDF:         []byte("%PDF-1.7"),
		Sidecar:     []byte(`{"sha256":"abc"}`),
		Attachments: []Attachment{
			{Name: "10_1_invoice.pdf", Data: []byte("attachment")},
		},
	}
	require.NoError(t, w.CommitArchive(42, archive))

	for _, path := range []string{
		archive.TargetPath,
		archive.SidecarPath,
		filepath.Join(dir, "attachments", "10_1_invoice.pdf"),
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	// no staging directory left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"Ticket-42.pdf", "Ticket-42.pdf.json", "attachments"}, names)
}

func TestCommitArchiveWithoutAttachments(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, true, false)

	archive := Archive{
		TargetPath:  filepath.Join(root, "doc.pdf"),
		SidecarPath: filepath.Join(root, "doc.pdf.json"),
		PDF:         []byte("pdf"),
		Sidecar:     []byte("{}"),
	}
	require.NoError(t, w.CommitArchive(7, archive))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
