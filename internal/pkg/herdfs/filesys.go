package herdfs

import (
	"fmt"
	"io"
	"strings"
)

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
)

// FileSystem provides the file backend for topology files and run reports.
// Locations are either local paths or s3://bucket/key URIs.
type FileSystem interface {
	OpenReader(filePath string) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	Init() error
}

// InitFilesystem intializes a filesystem of the given type
func InitFilesystem(fsType FileSystemType) (FileSystem, error) {
	var fs FileSystem
	switch fsType {
	case S3:
		fs = &S3FileSystem{}
	default:
		fs = &LocalFileSystem{}
	}

	if err := fs.Init(); err != nil {
		return nil, fmt.Errorf("herdfs: init filesystem: %w", err)
	}
	return fs, nil
}

// InferFilesystem initializes a filesystem by inferring its type from
// a file address.
// For example, locations starting with "s3://" will resolve to an S3
// filesystem.
func InferFilesystem(location string) (FileSystem, error) {
	if strings.HasPrefix(location, "s3://") {
		return InitFilesystem(S3)
	}
	return InitFilesystem(Local)
}
