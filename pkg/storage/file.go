package storage

import (
	"context"
	"os"
	"path/filepath"
)

// FileStorage reads blobs from a local mirror laid out as
// <baseDir>/<layer>/<data handle>.
type FileStorage struct {
	baseDir     string
	healthcheck string
}

func NewFileStorage(baseDir, healthcheck string) *FileStorage {
	return &FileStorage{
		baseDir:     baseDir,
		healthcheck: healthcheck,
	}
}

func respondWithPath(path string, c Condition) (*StorageResponse, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StorageResponse{NotFound: true}, nil
		}
		return nil, err
	}

	lastModified := info.ModTime().UTC()
	if c.IfModifiedSince != nil && !lastModified.Truncate(1e9).After(*c.IfModifiedSince) {
		return &StorageResponse{NotModified: true}, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &StorageResponse{
		Response: &SuccessfulResponse{
			Body:         body,
			LastModified: &lastModified,
			Size:         uint64(len(body)),
		},
	}, nil
}

func (f *FileStorage) Fetch(ctx context.Context, ref BlobRef, c Condition) (*StorageResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// data handles are opaque, keep them from escaping the layer directory
	blobPath := filepath.Join(f.baseDir, filepath.Base(ref.Layer), filepath.Base(ref.DataHandle))
	return respondWithPath(blobPath, c)
}

func (f *FileStorage) HealthCheck(_ context.Context) error {
	file, err := os.Open(filepath.Join(f.baseDir, f.healthcheck))
	if err != nil {
		return err
	}
	return file.Close()
}
