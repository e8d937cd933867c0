package herdfs

import (
	"io"
	"os"
	"path/filepath"
)

// LocalFileSystem reads and writes files on the local disk.
type LocalFileSystem struct{}

// OpenReader opens filePath for reading.
func (l *LocalFileSystem) OpenReader(filePath string) (io.ReadCloser, error) {
	return os.Open(filePath)
}

// OpenWriter truncates or creates filePath, creating parent directories as needed.
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// Init initializes the filesystem.
func (l *LocalFileSystem) Init() error {
	return nil
}
