//go:build !unix

package storage

import "os"

// openNoFollow falls back to a plain open on platforms without O_NOFOLLOW.
// The symlink-component walk in the writer remains the only guard there.
func openNoFollow(path string, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
}

func isSymlinkError(err error) bool { return false }
