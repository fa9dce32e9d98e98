package wal

import (
	"fmt"
	"os"
)

// rotate replaces the file at path with an empty one. The new file is
// created before the old handle is closed; if the rename fails the old
// file is reopened so the log stays usable.
func rotate(path string, current *os.File) (*os.File, error) {
	newPath := path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create new WAL file: %w", err)
	}

	closeErr := current.Close()

	if err := os.Rename(newPath, path); err != nil {
		newFile.Close()
		old, reopenErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if reopenErr != nil {
			return nil, fmt.Errorf("failed to rename WAL file: %w (reopen error: %v)", err, reopenErr)
		}
		return old, fmt.Errorf("failed to rename WAL file: %w (close error: %v)", err, closeErr)
	}
	return newFile, nil
}
